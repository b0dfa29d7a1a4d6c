package secrets

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// memSecretStore is an in-memory store.SecretStore for tests.
type memSecretStore struct {
	mu   sync.Mutex
	recs map[string]*store.SecretRecord
}

func newMemSecretStore() *memSecretStore {
	return &memSecretStore{recs: map[string]*store.SecretRecord{}}
}

func (m *memSecretStore) Put(ctx context.Context, rec *store.SecretRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.Name] = rec
	return nil
}

func (m *memSecretStore) Get(ctx context.Context, name string) (*store.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (m *memSecretStore) Search(ctx context.Context, query string) ([]*store.SecretRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.SecretRecord
	for name, rec := range m.recs {
		if strings.Contains(strings.ToLower(name), strings.ToLower(query)) {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memSecretStore) Touch(ctx context.Context, name string) error { return nil }

func TestVaultRoundtrip(t *testing.T) {
	v := NewVault(newMemSecretStore(), "test-key")
	ctx := context.Background()

	if err := v.Put(ctx, "API_TOKEN", "s3cr3t-value"); err != nil {
		t.Fatal(err)
	}
	got, err := v.Value(ctx, "API_TOKEN")
	if err != nil {
		t.Fatal(err)
	}
	if got != "s3cr3t-value" {
		t.Errorf("got %q", got)
	}
}

func TestVaultDisabledWithoutKey(t *testing.T) {
	v := NewVault(newMemSecretStore(), "")
	if err := v.Put(context.Background(), "x", "y"); !errors.Is(err, ErrVaultDisabled) {
		t.Errorf("want ErrVaultDisabled, got %v", err)
	}
}

func TestResolveAndScrub(t *testing.T) {
	v := NewVault(newMemSecretStore(), "k")
	ctx := context.Background()
	if err := v.Put(ctx, "TOKEN", "tok-12345"); err != nil {
		t.Fatal(err)
	}

	res := NewResolution()
	resolved, err := v.Resolve(ctx, "Authorization: Bearer {{secret:TOKEN}}", res)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != "Authorization: Bearer tok-12345" {
		t.Errorf("resolved = %q", resolved)
	}

	// Scrubbing is total: the raw value may not survive.
	out := res.Scrub("response echoed tok-12345 and more")
	if strings.Contains(out, "tok-12345") {
		t.Errorf("secret survived scrubbing: %q", out)
	}
	if !strings.Contains(out, "[secret:TOKEN]") {
		t.Errorf("marker missing: %q", out)
	}
}

func TestResolveUnknownSecret(t *testing.T) {
	v := NewVault(newMemSecretStore(), "k")
	res := NewResolution()
	if _, err := v.Resolve(context.Background(), "{{secret:NOPE}}", res); !errors.Is(err, ErrSecretMissing) {
		t.Errorf("want ErrSecretMissing, got %v", err)
	}
}

func TestGenerateNeverReturnsValue(t *testing.T) {
	st := newMemSecretStore()
	v := NewVault(st, "k")
	ctx := context.Background()

	length, err := v.Generate(ctx, "GEN", 24, "hex")
	if err != nil {
		t.Fatal(err)
	}
	if length != 24 {
		t.Errorf("length = %d", length)
	}

	val, err := v.Value(ctx, "GEN")
	if err != nil {
		t.Fatal(err)
	}
	if len(val) != 24 {
		t.Errorf("stored value length = %d", len(val))
	}
	for _, c := range val {
		if !strings.ContainsRune("0123456789abcdef", c) {
			t.Errorf("non-hex char %q", c)
		}
	}

	// Search exposes names only.
	recs, err := v.Search(ctx, "gen")
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Ciphertext != nil {
		t.Errorf("search leaked ciphertext: %+v", recs)
	}
}
