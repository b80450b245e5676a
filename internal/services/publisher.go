package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/naming"
	"github.com/agencyos/module-platform/internal/validation"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]{0,62}$`)

// ModuleCatalog is the subset of *repositories.ModuleRepository the
// publisher needs.
type ModuleCatalog interface {
	GetModuleBySlug(ctx context.Context, slug string) (*models.Module, error)
	UpsertModule(ctx context.Context, m *models.Module) error
}

// PublishInput is a module manifest as submitted by a module author.
type PublishInput struct {
	Slug          string                 `json:"slug"`
	ShortID       string                 `json:"short_id"`
	Name          string                 `json:"name"`
	Version       string                 `json:"version"`
	Capabilities  []string               `json:"capabilities"`
	IsolationMode string                 `json:"isolation_mode"`
	Resources     models.ModuleResources `json:"resources"`
}

// Publisher validates module manifests and stores them. Provisioning is a
// separate step so a manifest can be reviewed before tables exist.
type Publisher struct {
	modules ModuleCatalog
}

// NewPublisher creates a Publisher.
func NewPublisher(modules ModuleCatalog) *Publisher {
	return &Publisher{modules: modules}
}

// Publish creates a module or republishes an existing slug. A republish must
// carry a strictly greater version and keeps the original short id and
// isolation mode, since both are baked into physical table names.
func (p *Publisher) Publish(ctx context.Context, in PublishInput) (*models.Module, error) {
	if err := validateManifest(&in); err != nil {
		return nil, err
	}

	existing, err := p.modules.GetModuleBySlug(ctx, in.Slug)
	if err != nil {
		return nil, apperr.Query("get", "modules", err)
	}

	mod := &models.Module{
		ShortID:       in.ShortID,
		Slug:          in.Slug,
		Name:          in.Name,
		Version:       in.Version,
		Capabilities:  in.Capabilities,
		IsolationMode: in.IsolationMode,
		Resources:     in.Resources,
	}
	if existing != nil {
		if err := validation.RequireNewerVersion(in.Version, existing.Version); err != nil {
			return nil, apperr.New(apperr.CodeValidationFailed, "%v", err)
		}
		if in.ShortID != "" && in.ShortID != existing.ShortID {
			return nil, apperr.New(apperr.CodeValidationFailed, "short id cannot change on republish")
		}
		mod.ID = existing.ID
		mod.ShortID = existing.ShortID
		mod.IsolationMode = existing.IsolationMode
	} else if mod.ShortID == "" {
		mod.ShortID = DeriveShortID(in.Slug)
	}

	if err := p.modules.UpsertModule(ctx, mod); err != nil {
		return nil, apperr.Query("upsert", "modules", err)
	}
	return mod, nil
}

// DeriveShortID builds a stable short id from a slug.
func DeriveShortID(slug string) string {
	sum := sha256.Sum256([]byte(slug))
	return "m" + hex.EncodeToString(sum[:])[:7]
}

func validateManifest(in *PublishInput) error {
	in.Slug = strings.TrimSpace(in.Slug)
	if !slugPattern.MatchString(in.Slug) {
		return apperr.New(apperr.CodeValidationFailed, "slug must match %s", slugPattern.String())
	}
	if strings.TrimSpace(in.Name) == "" {
		return apperr.New(apperr.CodeValidationFailed, "name is required")
	}
	if err := validation.ValidateSemver(in.Version); err != nil {
		return apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	if in.ShortID != "" {
		if err := naming.ValidateShortID(in.ShortID); err != nil {
			return apperr.New(apperr.CodeValidationFailed, "%v", err)
		}
	}
	mode, err := naming.ParseMode(in.IsolationMode)
	if err != nil {
		return apperr.New(apperr.CodeValidationFailed, "%v", err)
	}
	in.IsolationMode = string(mode)

	seen := make(map[string]bool, len(in.Resources.Tables))
	for _, t := range in.Resources.Tables {
		if err := naming.ValidateTableName(t.Name); err != nil {
			return apperr.New(apperr.CodeValidationFailed, "%v", err)
		}
		if seen[t.Name] {
			return apperr.New(apperr.CodeValidationFailed, "table %q declared twice", t.Name)
		}
		seen[t.Name] = true
	}
	// Physical names are written by the provisioner only.
	in.Resources.PhysicalTables = nil
	return nil
}
