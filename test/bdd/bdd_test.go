package bdd

import (
	"database/sql"
	"fmt"
	"os"
	"testing"

	"github.com/cucumber/godog"
	"github.com/joho/godotenv"
)

var testDB *sql.DB

func TestMain(m *testing.M) {
	// Load .env.test if present, else .env. Overload so test values win over
	// the shell environment.
	if _, err := os.Stat(".env.test"); err == nil {
		_ = godotenv.Overload(".env.test")
	} else {
		_ = godotenv.Overload()
	}

	// BIP70_TEST_DATABASE_URL runs the scenarios on postgres records.
	db, err := openTestDatabase()
	if err != nil {
		fmt.Fprintln(os.Stderr, "test database:", err)
		os.Exit(1)
	}
	testDB = db

	code := m.Run()
	if db != nil {
		_ = db.Close()
	}
	os.Exit(code)
}

func TestBDDFeatures(t *testing.T) {
	opts := godog.Options{
		Format: "pretty",
		Paths:  []string{"features"},
		Strict: true,
	}

	suite := godog.TestSuite{
		Name: "bip70-server",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			world := NewPaymentWorld(t, testDB)
			world.Register(sc)
		},
		Options: &opts,
	}

	if suite.Run() != 0 {
		t.Fail()
	}
}
