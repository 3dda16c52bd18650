// Command invoicectl talks to a payment server the way a merchant backend
// and a wallet would: it opens invoices, submits payments and decodes the
// binary messages exchanged.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "invoicectl",
		Short:        "Open invoices, submit payments and decode payment protocol messages",
		Version:      Version,
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().Duration("timeout", 30*time.Second, "request timeout")

	rootCmd.AddCommand(createCmd())
	rootCmd.AddCommand(payCmd())
	rootCmd.AddCommand(decodeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// httpClient does not follow redirects: the Location of a payment answer is
// printed, not fetched.
func httpClient(cmd *cobra.Command) *http.Client {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return &http.Client{
		Timeout:   timeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func post(cmd *cobra.Command, url, contentType, accept string, body []byte) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := httpClient(cmd).Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("request to %s failed: %w", url, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp, data, nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
