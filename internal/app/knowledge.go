package app

import (
	"context"
	"fmt"

	"github.com/santralab/santral/internal/retrieval"
	"github.com/santralab/santral/internal/tenant"
)

// profileDocs serves tenant knowledge straight out of the profile files,
// embedding each passage with the same embedder the retriever uses for
// queries so both sides share one vector space. The retriever caches the
// per-tenant document set, so embedding cost is paid once per reload, not
// per turn.
type profileDocs struct {
	tenants  *tenant.Registry
	embedder retrieval.Embedder
}

func newProfileDocs(tenants *tenant.Registry, embedder retrieval.Embedder) *profileDocs {
	return &profileDocs{tenants: tenants, embedder: embedder}
}

func (p *profileDocs) FetchDocuments(ctx context.Context, tenantID string) ([]retrieval.Document, error) {
	profile, err := p.tenants.Lookup(tenantID)
	if err != nil {
		return nil, err
	}
	docs := make([]retrieval.Document, 0, len(profile.Documents))
	for i, d := range profile.Documents {
		if d.Text == "" {
			continue
		}
		id := d.ID
		if id == "" {
			id = fmt.Sprintf("%s-doc-%d", tenantID, i+1)
		}
		vec, err := p.embedder.Embed(ctx, d.Text)
		if err != nil {
			return nil, fmt.Errorf("embed document %s: %w", id, err)
		}
		docs = append(docs, retrieval.Document{ID: id, Text: d.Text, Embedding: vec})
	}
	return docs, nil
}
