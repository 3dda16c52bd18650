// Package secrets exports secrets kept in OpenBao into the environment
// before configuration is loaded, e.g. BIP70_CREDENTIAL_SECRET or
// BIP70_NODE_PASSWORD.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/openbao/openbao/api/v2"
)

// EnvPrefix limits which stored keys are exported.
const EnvPrefix = "BIP70_"

var ErrOpenBaoSecretNotFound = errors.New("openbao secret path not found")

// Source locates one KV v2 secret.
type Source struct {
	Addr      string
	Token     string
	Mount     string
	Path      string
	Namespace string
}

// SourceFromEnv reads OPENBAO_ADDR, OPENBAO_TOKEN, OPENBAO_SECRET_PATH and
// the optional OPENBAO_MOUNT and OPENBAO_NAMESPACE. ok is false unless the
// first three are all set.
func SourceFromEnv() (src Source, ok bool) {
	src = Source{
		Addr:      strings.TrimRight(strings.TrimSpace(os.Getenv("OPENBAO_ADDR")), "/"),
		Token:     os.Getenv("OPENBAO_TOKEN"),
		Mount:     strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_MOUNT")), "/"),
		Path:      strings.Trim(strings.TrimSpace(os.Getenv("OPENBAO_SECRET_PATH")), "/"),
		Namespace: strings.TrimSpace(os.Getenv("OPENBAO_NAMESPACE")),
	}
	if src.Mount == "" {
		src.Mount = "secret"
	}
	return src, src.Addr != "" && src.Token != "" && src.Path != ""
}

// BootstrapFromOpenBao exports the BIP70_* keys of the configured secret.
// It does nothing when OpenBao is not configured. Variables already present
// in the environment are left alone.
func BootstrapFromOpenBao(ctx context.Context) error {
	src, ok := SourceFromEnv()
	if !ok {
		return nil
	}
	values, err := Read(ctx, src)
	if err != nil {
		return err
	}
	for k, v := range values {
		if !strings.HasPrefix(k, EnvPrefix) {
			continue
		}
		if _, set := os.LookupEnv(k); set {
			continue
		}
		if err := os.Setenv(k, v); err != nil {
			return fmt.Errorf("export %s: %w", k, err)
		}
	}
	return nil
}

// Read fetches the latest version of src and flattens scalar values to
// strings. Nested values are skipped.
func Read(ctx context.Context, src Source) (map[string]string, error) {
	conf := api.DefaultConfig()
	conf.Address = src.Addr
	conf.Timeout = 5 * time.Second
	conf.MaxRetries = 1

	client, err := api.NewClient(conf)
	if err != nil {
		return nil, fmt.Errorf("create OpenBao client: %w", err)
	}
	client.SetToken(src.Token)
	if src.Namespace != "" {
		client.SetNamespace(src.Namespace)
	}

	kv, err := client.KVv2(src.Mount).Get(ctx, src.Path)
	if errors.Is(err, api.ErrSecretNotFound) {
		return nil, ErrOpenBaoSecretNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read OpenBao secret %s/%s: %w", src.Mount, src.Path, err)
	}

	values := make(map[string]string, len(kv.Data))
	for k, raw := range kv.Data {
		if s, ok := scalar(raw); ok {
			values[k] = s
		}
	}
	return values, nil
}

func scalar(v any) (string, bool) {
	switch val := v.(type) {
	case string:
		return val, true
	case json.Number:
		return val.String(), true
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64), true
	case bool:
		return strconv.FormatBool(val), true
	}
	return "", false
}
