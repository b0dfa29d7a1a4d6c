package pg

import (
	"fmt"

	"github.com/nextlevelbuilder/quorum/internal/store"
)

// NewPGStores creates all stores backed by Postgres.
func NewPGStores(cfg store.StoreConfig) (*store.Stores, error) {
	db, err := OpenDB(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	return &store.Stores{
		Tasks:    NewPGTaskStore(db),
		Agents:   NewPGAgentStore(db),
		Actions:  NewPGActionStore(db),
		Costs:    NewPGCostStore(db),
		Logs:     NewPGLogStore(db),
		Messages: NewPGMessageStore(db),
		Secrets:  NewPGSecretStore(db),
		Skills:   NewPGSkillStore(db),
	}, nil
}
