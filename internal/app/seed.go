package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"khata/internal/domain"
)

var seedNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("khata:items"))

// LoadDocuments reads work items from a JSON or YAML file. Both a list of
// documents and a map keyed by item id (a collection export) are accepted.
func LoadDocuments(path string) ([]domain.Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return decodeDocuments(data, yaml.Unmarshal)
	default:
		return decodeDocuments(data, json.Unmarshal)
	}
}

func decodeDocuments(data []byte, unmarshal func([]byte, any) error) ([]domain.Document, error) {
	var list []domain.Document
	if err := unmarshal(data, &list); err == nil {
		return list, nil
	}
	list = nil
	var byID map[string]domain.Document
	if err := unmarshal(data, &byID); err != nil {
		return nil, fmt.Errorf("decode documents: %w", err)
	}
	ids := make([]string, 0, len(byID))
	for id := range byID {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		doc := byID[id]
		if doc.ID == "" {
			doc.ID = id
		}
		list = append(list, doc)
	}
	return list, nil
}

// ItemsFromDocuments validates documents. A document without an id gets a
// stable one derived from its idiom, so reseeding the same file is a no-op.
func ItemsFromDocuments(docs []domain.Document) ([]domain.WorkItem, error) {
	items := make([]domain.WorkItem, 0, len(docs))
	seen := map[string]bool{}
	for i, doc := range docs {
		if strings.TrimSpace(doc.ID) == "" {
			if doc.Idiom == "" {
				return nil, fmt.Errorf("document %d has neither id nor idiom", i)
			}
			doc.ID = uuid.NewSHA1(seedNamespace, []byte(doc.Idiom)).String()
		}
		it, err := doc.ToItem()
		if err != nil {
			return nil, err
		}
		if seen[it.ID] {
			return nil, fmt.Errorf("duplicate item id %s", it.ID)
		}
		seen[it.ID] = true
		items = append(items, it)
	}
	return items, nil
}

// Seed imports documents and reports how many were new.
func (a *App) Seed(ctx context.Context, docs []domain.Document, actorID string) (int, error) {
	items, err := ItemsFromDocuments(docs)
	if err != nil {
		return 0, err
	}
	n, err := a.Repo.InsertItems(ctx, items, actorID)
	if err != nil {
		return 0, err
	}
	a.Log.Info().Int("inserted", n).Int("skipped", len(items)-n).Msg("seeded items")
	return n, nil
}
