package dialect

import (
	"testing"
)

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		dialectType DialectType
		wantName    string
		wantErr     bool
	}{
		{"sqlite", SQLite, "sqlite", false},
		{"postgres", Postgres, "postgres", false},
		{"mysql", DialectType("mysql"), "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, err := New(tt.dialectType)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err == nil && d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
		})
	}
}

func TestFromDriverName(t *testing.T) {
	tests := []struct {
		driverName string
		wantName   string
		wantDriver string
		wantErr    bool
	}{
		{"sqlite", "sqlite", "sqlite", false},
		{"sqlite3", "sqlite", "sqlite", false},
		{"postgres", "postgres", "pgx", false},
		{"pgx", "postgres", "pgx", false},
		{"unknown", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.driverName, func(t *testing.T) {
			d, err := FromDriverName(tt.driverName)
			if (err != nil) != tt.wantErr {
				t.Errorf("FromDriverName() error = %v, wantErr %v", err, tt.wantErr)
				return
			}
			if err != nil {
				return
			}
			if d.Name() != tt.wantName {
				t.Errorf("Name() = %v, want %v", d.Name(), tt.wantName)
			}
			if d.DriverName() != tt.wantDriver {
				t.Errorf("DriverName() = %v, want %v", d.DriverName(), tt.wantDriver)
			}
		})
	}
}

func TestRebind(t *testing.T) {
	query := "SELECT * FROM agent_executions WHERE session_id = ? AND turn_count = ?"

	sqlite, _ := New(SQLite)
	if got := sqlite.Rebind(query); got != query {
		t.Errorf("sqlite Rebind() = %q, want %q", got, query)
	}

	pg, _ := New(Postgres)
	want := "SELECT * FROM agent_executions WHERE session_id = $1 AND turn_count = $2"
	if got := pg.Rebind(query); got != want {
		t.Errorf("postgres Rebind() = %q, want %q", got, want)
	}
}

func TestUpsertClause(t *testing.T) {
	sqlite, _ := New(SQLite)
	pg, _ := New(Postgres)

	tests := []struct {
		name    string
		d       Dialect
		columns []string
		want    string
	}{
		{"sqlite nothing", sqlite, nil, "ON CONFLICT(session_id, capability_name) DO NOTHING"},
		{"sqlite update", sqlite, []string{"satisfied_at"}, "ON CONFLICT(session_id, capability_name) DO UPDATE SET satisfied_at=excluded.satisfied_at"},
		{"postgres nothing", pg, nil, "ON CONFLICT (session_id, capability_name) DO NOTHING"},
		{"postgres update", pg, []string{"satisfied_at"}, "ON CONFLICT (session_id, capability_name) DO UPDATE SET satisfied_at = EXCLUDED.satisfied_at"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.d.UpsertClause("session_id, capability_name", tt.columns); got != tt.want {
				t.Errorf("UpsertClause() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLocking(t *testing.T) {
	sqlite, _ := New(SQLite)
	if sqlite.LockClause() != "" {
		t.Errorf("sqlite LockClause() = %q, want empty", sqlite.LockClause())
	}
	if sqlite.MaxOpenConns() != 1 {
		t.Errorf("sqlite MaxOpenConns() = %d, want 1", sqlite.MaxOpenConns())
	}

	pg, _ := New(Postgres)
	if pg.LockClause() != " FOR UPDATE" {
		t.Errorf("postgres LockClause() = %q, want %q", pg.LockClause(), " FOR UPDATE")
	}
	if pg.ClaimClause() != " FOR UPDATE SKIP LOCKED" {
		t.Errorf("postgres ClaimClause() = %q", pg.ClaimClause())
	}
	if sqlite.ClaimClause() != "" {
		t.Errorf("sqlite ClaimClause() = %q, want empty", sqlite.ClaimClause())
	}
}
