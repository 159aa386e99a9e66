package registry

import (
	"bytes"
	"errors"
	"testing"

	"mirror-core/internal/events"
	"mirror-core/pkg/crypto"
	"mirror-core/pkg/db"
)

func testRegistry(t *testing.T) (*Registry, *db.Database) {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	keys, err := crypto.NewKeyManagerFromKey(bytes.Repeat([]byte{3}, 32))
	if err != nil {
		t.Fatalf("key manager: %v", err)
	}
	reg, err := New(database, keys, events.NewBus())
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	return reg, database
}

func slaveInput(name string) RegisterInput {
	return RegisterInput{
		Name:         name,
		ExchangeType: "mock",
		Kind:         db.KindSlave,
		APIKey:       "key-" + name,
		APISecret:    "secret-" + name,
		Risk:         RiskProfile{RiskPercent: 1.0, Leverage: 5},
	}
}

func TestRegisterAndGet(t *testing.T) {
	reg, _ := testRegistry(t)

	acct, err := reg.Register(slaveInput("alpha"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if acct.Status != db.AccountActive {
		t.Fatalf("new account status = %s, want active", acct.Status)
	}
	if acct.CredFingerprint == "" {
		t.Fatalf("fingerprint not computed")
	}

	got, err := reg.Get(acct.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "alpha" || got.Kind != db.KindSlave {
		t.Fatalf("got %+v", got)
	}
}

func TestOnlyOneMaster(t *testing.T) {
	reg, _ := testRegistry(t)

	first := slaveInput("m1")
	first.Kind = db.KindMaster
	if _, err := reg.Register(first); err != nil {
		t.Fatalf("register master: %v", err)
	}

	second := slaveInput("m2")
	second.Kind = db.KindMaster
	if _, err := reg.Register(second); !errors.Is(err, ErrDuplicateMaster) {
		t.Fatalf("err = %v, want ErrDuplicateMaster", err)
	}

	master, err := reg.Master()
	if err != nil {
		t.Fatalf("master: %v", err)
	}
	if master.Name != "m1" {
		t.Fatalf("master = %s, want m1", master.Name)
	}
}

func TestRegisterValidation(t *testing.T) {
	reg, _ := testRegistry(t)

	cases := []struct {
		name   string
		mutate func(*RegisterInput)
	}{
		{"bad kind", func(in *RegisterInput) { in.Kind = "observer" }},
		{"missing key", func(in *RegisterInput) { in.APIKey = "" }},
		{"missing secret", func(in *RegisterInput) { in.APISecret = "" }},
		{"zero risk", func(in *RegisterInput) { in.Risk.RiskPercent = 0 }},
		{"risk too high", func(in *RegisterInput) { in.Risk.RiskPercent = 101 }},
		{"leverage too high", func(in *RegisterInput) { in.Risk.Leverage = 200 }},
		{"negative max size", func(in *RegisterInput) { in.Risk.MaxPositionSize = -1 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := slaveInput("bad")
			tc.mutate(&in)
			if _, err := reg.Register(in); err == nil {
				t.Fatalf("expected rejection")
			}
		})
	}
}

func TestStatusTransitions(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, err := reg.Register(slaveInput("alpha"))
	if err != nil {
		t.Fatalf("register: %v", err)
	}

	if err := reg.SetStatus(acct.ID, db.AccountPaused, "operator"); err != nil {
		t.Fatalf("active -> paused: %v", err)
	}
	if err := reg.SetStatus(acct.ID, db.AccountActive, "operator"); err != nil {
		t.Fatalf("paused -> active: %v", err)
	}
	if err := reg.SetStatus(acct.ID, db.AccountDisconnected, "test"); err != nil {
		t.Fatalf("active -> disconnected: %v", err)
	}

	// Disconnected accounts can only come back through active.
	if err := reg.SetStatus(acct.ID, db.AccountPaused, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("disconnected -> paused err = %v, want ErrInvalidTransition", err)
	}
	if err := reg.SetStatus(acct.ID, db.AccountActive, "reconnect"); err != nil {
		t.Fatalf("disconnected -> active: %v", err)
	}

	// Banned is terminal.
	if err := reg.SetStatus(acct.ID, db.AccountBanned, "abuse"); err != nil {
		t.Fatalf("active -> banned: %v", err)
	}
	if err := reg.SetStatus(acct.ID, db.AccountActive, "operator"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("banned -> active err = %v, want ErrInvalidTransition", err)
	}
}

func TestStatusPersists(t *testing.T) {
	reg, database := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))
	if err := reg.SetStatus(acct.ID, db.AccountPaused, "operator"); err != nil {
		t.Fatalf("pause: %v", err)
	}

	keys, _ := crypto.NewKeyManagerFromKey(bytes.Repeat([]byte{3}, 32))
	reloaded, err := New(database, keys, events.NewBus())
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	got, err := reloaded.Get(acct.ID)
	if err != nil {
		t.Fatalf("get after reload: %v", err)
	}
	if got.Status != db.AccountPaused {
		t.Fatalf("status after reload = %s, want paused", got.Status)
	}
}

func TestAuthErrorThresholdDisconnects(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))

	reg.RecordAuthError(acct.ID)
	reg.RecordAuthError(acct.ID)
	got, _ := reg.Get(acct.ID)
	if got.Status != db.AccountActive {
		t.Fatalf("status = %s after 2 errors, want still active", got.Status)
	}

	reg.RecordAuthError(acct.ID)
	got, _ = reg.Get(acct.ID)
	if got.Status != db.AccountDisconnected {
		t.Fatalf("status = %s after 3 errors, want disconnected", got.Status)
	}
}

func TestAuthSuccessResetsCounter(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))

	reg.RecordAuthError(acct.ID)
	reg.RecordAuthError(acct.ID)
	reg.RecordAuthSuccess(acct.ID)
	reg.RecordAuthError(acct.ID)
	reg.RecordAuthError(acct.ID)

	got, _ := reg.Get(acct.ID)
	if got.Status != db.AccountActive {
		t.Fatalf("status = %s, success should have reset the streak", got.Status)
	}
}

func TestCredentialsRoundTrip(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))

	creds, err := reg.Credentials(acct.ID)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.APIKey != "key-alpha" || creds.APISecret != "secret-alpha" {
		t.Fatalf("credentials roundtrip mismatch: %+v", creds)
	}
}

func TestRotateCredentials(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))
	oldFP := acct.CredFingerprint

	if err := reg.RotateCredentials(acct.ID, "new-key", "new-secret"); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	creds, err := reg.Credentials(acct.ID)
	if err != nil {
		t.Fatalf("credentials: %v", err)
	}
	if creds.APIKey != "new-key" || creds.APISecret != "new-secret" {
		t.Fatalf("rotation did not take: %+v", creds)
	}
	got, _ := reg.Get(acct.ID)
	if got.CredFingerprint == oldFP {
		t.Fatalf("fingerprint should change with the key")
	}
}

func TestListEligibleSlaves(t *testing.T) {
	reg, _ := testRegistry(t)

	master := slaveInput("m")
	master.Kind = db.KindMaster
	if _, err := reg.Register(master); err != nil {
		t.Fatalf("register master: %v", err)
	}
	a, _ := reg.Register(slaveInput("a"))
	b, _ := reg.Register(slaveInput("b"))
	if err := reg.SetStatus(b.ID, db.AccountPaused, "operator"); err != nil {
		t.Fatalf("pause b: %v", err)
	}

	eligible := reg.ListEligibleSlaves()
	if len(eligible) != 1 {
		t.Fatalf("eligible = %d, want 1", len(eligible))
	}
	if eligible[0].ID != a.ID {
		t.Fatalf("eligible slave = %s, want %s", eligible[0].ID, a.ID)
	}
}

func TestUpdateRiskProfile(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))

	bad := RiskProfile{RiskPercent: 0, Leverage: 5}
	if err := reg.UpdateRiskProfile(acct.ID, bad); !errors.Is(err, ErrInvalidRisk) {
		t.Fatalf("err = %v, want ErrInvalidRisk", err)
	}

	good := RiskProfile{RiskPercent: 2.5, Leverage: 10, MaxPositions: 4}
	if err := reg.UpdateRiskProfile(acct.ID, good); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := reg.Get(acct.ID)
	if got.Risk.RiskPercent != 2.5 || got.Risk.MaxPositions != 4 {
		t.Fatalf("risk = %+v", got.Risk)
	}
}

func TestRemoveAccount(t *testing.T) {
	reg, _ := testRegistry(t)
	acct, _ := reg.Register(slaveInput("alpha"))

	if err := reg.Remove(acct.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := reg.Get(acct.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("err = %v, want ErrAccountNotFound", err)
	}
	if err := reg.Remove(acct.ID); !errors.Is(err, ErrAccountNotFound) {
		t.Fatalf("double remove err = %v, want ErrAccountNotFound", err)
	}
}
