package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/santralab/santral/internal/capacity"
	"github.com/santralab/santral/internal/tenant"
	"github.com/santralab/santral/internal/voice"
)

func (s *Server) handleAdminSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"active":    s.deps.Sessions.ActiveCount(),
		"by_tenant": s.deps.Sessions.ActiveByTenant(),
	})
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, _ *http.Request) {
	health := []voice.ProviderHealth{}
	if s.deps.ProviderHealth != nil {
		if h := s.deps.ProviderHealth(); h != nil {
			health = h
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{"providers": health})
}

func (s *Server) handleListTenants(w http.ResponseWriter, _ *http.Request) {
	ids := []string{}
	if s.deps.Tenants != nil {
		ids = s.deps.Tenants.List()
	}
	respondJSON(w, http.StatusOK, map[string]any{"tenants": ids})
}

func (s *Server) handleTenantBudget(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	profile, err := s.deps.Tenants.Lookup(id)
	if err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			respondError(w, http.StatusNotFound, "unknown_tenant", "no profile for tenant "+id)
			return
		}
		respondError(w, http.StatusInternalServerError, "tenant_lookup_failed", err.Error())
		return
	}
	if s.deps.Governor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "budget governor not configured")
		return
	}

	summary, err := s.deps.Governor.Summarize(r.Context(), id, profile.Quotas.MonthlyTokens, profile.Quotas.MonthlyMinutes, profile.Language)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "ledger_unavailable", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id": id,
		"budget":    summary,
	})
}

// handleInvalidateTenant drops the tenant's cached documents and responses,
// so a knowledge-base update takes effect without waiting for TTLs.
func (s *Server) handleInvalidateTenant(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := s.deps.Tenants.Lookup(id); err != nil {
		if errors.Is(err, tenant.ErrUnknownTenant) {
			respondError(w, http.StatusNotFound, "unknown_tenant", "no profile for tenant "+id)
			return
		}
		respondError(w, http.StatusInternalServerError, "tenant_lookup_failed", err.Error())
		return
	}

	if s.deps.Retriever != nil {
		s.deps.Retriever.InvalidateTenant(id)
	}
	dropped := 0
	if s.deps.Cache != nil {
		dropped = s.deps.Cache.InvalidateTenant(id)
	}
	s.log.Info().Str("tenant", id).Int("cache_entries", dropped).Msg("tenant caches invalidated")
	respondJSON(w, http.StatusOK, map[string]any{
		"tenant_id":             id,
		"cache_entries_dropped": dropped,
	})
}

func (s *Server) handleCacheStats(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Cache == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "response cache not configured")
		return
	}
	respondJSON(w, http.StatusOK, s.deps.Cache.Stats())
}

func (s *Server) handleCapacity(w http.ResponseWriter, _ *http.Request) {
	workers := []capacity.WorkerStatus{}
	if s.deps.Capacity != nil {
		workers = s.deps.Capacity.Snapshot()
	}
	respondJSON(w, http.StatusOK, map[string]any{"workers": workers})
}
