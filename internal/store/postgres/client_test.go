package postgres

import (
	"strings"
	"testing"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name string
		cfg  ClientConfig
		want string
	}{
		{
			name: "explicit dsn wins",
			cfg:  ClientConfig{DSN: " postgres://u@db/x ", Host: "ignored"},
			want: "postgres://u@db/x",
		},
		{
			name: "defaults port and sslmode",
			cfg:  ClientConfig{Host: "localhost", Database: "pricewatch", User: "postgres", Password: "pw"},
			want: "postgres://postgres:pw@localhost:5432/pricewatch?sslmode=disable",
		},
		{
			name: "escapes credentials",
			cfg:  ClientConfig{Host: "db", Port: 6543, Database: "pw", User: "app", Password: "p@ss/word", SSLMode: "require"},
			want: "postgres://app:p%40ss%2Fword@db:6543/pw?sslmode=require",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DSN(tt.cfg); got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadMigrations(t *testing.T) {
	ms, err := loadMigrations()
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(ms) == 0 {
		t.Fatal("no embedded migrations")
	}
	if ms[0].version != "001_init" {
		t.Errorf("first version = %q, want 001_init", ms[0].version)
	}
	for _, table := range []string{"listings", "price_history", "listing_sources", "audit_log"} {
		if !strings.Contains(ms[0].sql, table) {
			t.Errorf("001_init does not create %s", table)
		}
	}
}
