// Package search announces arrows to the external search index. The engine
// only ever pushes; it never queries the index.
package search

import (
	"log"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxArrows = "arbor_arrows"

// ArrowRecord is the indexed projection of an arrow.
type ArrowRecord struct {
	ID         string `json:"id"`
	RouteName  string `json:"routeName"`
	UserID     string `json:"userId"`
	AbstractID string `json:"abstractId"`
	IsLink     bool   `json:"isLink"`
	Deleted    bool   `json:"deleted"`
}

// Meili pushes arrow records to Meilisearch.
type Meili struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili creates a Meilisearch client and configures the arrow index.
// The caller should proceed without it if the initial connection fails.
func NewMeili(url, apiKey string) *Meili {
	client := meili.New(url, meili.WithAPIKey(apiKey))

	m := &Meili{
		client: client,
		done:   make(chan struct{}),
	}

	if _, err := client.Health(); err != nil {
		log.Printf("search: meilisearch unavailable at %s: %v", url, err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndexes()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndexes() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxArrows,
		PrimaryKey: "id",
	}); err != nil {
		log.Printf("search: create index %s (may already exist): %v", idxArrows, err)
	}

	index := m.client.Index(idxArrows)
	filterable := []interface{}{"abstractId", "userId", "isLink", "deleted"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		log.Printf("search: update filterable attrs for %s: %v", idxArrows, err)
	}
	searchable := []string{"routeName"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		log.Printf("search: update searchable attrs for %s: %v", idxArrows, err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				log.Println("search: meilisearch recovered, reconfiguring indexes")
				m.configureIndexes()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

// Healthy reports whether Meilisearch is reachable.
func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) indexArrow(record ArrowRecord) error {
	_, err := m.client.Index(idxArrows).UpdateDocuments([]ArrowRecord{record}, nil)
	return err
}

// Service is the nil-safe facade the engine talks to. A nil Meili disables
// indexing entirely.
type Service struct {
	meili *Meili
}

func NewService(meili *Meili) *Service {
	return &Service{meili: meili}
}

// IndexArrow announces a new or changed arrow (fire-and-forget).
func (s *Service) IndexArrow(record ArrowRecord) {
	if s == nil || s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.indexArrow(record); err != nil {
			log.Printf("search: index arrow %s: %v", record.ID, err)
		}
	}()
}
