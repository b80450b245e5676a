// domains.go implements allowed domain registration and verification.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/domains"
)

// DomainManager registers and verifies domains. *domains.Service satisfies it.
type DomainManager interface {
	AddDomain(ctx context.Context, in domains.AddDomainInput) (*models.AllowedDomain, error)
	Instructions(d *models.AllowedDomain) domains.Instructions
	VerifyDomain(ctx context.Context, siteID, id string) (*models.AllowedDomain, string, error)
	ListDomains(ctx context.Context, siteID string) ([]*models.AllowedDomain, error)
	RemoveDomain(ctx context.Context, siteID, id string) error
}

// DomainHandlers handles allowed domain endpoints
type DomainHandlers struct {
	domains DomainManager
}

// NewDomainHandlers creates a new DomainHandlers instance
func NewDomainHandlers(d DomainManager) *DomainHandlers {
	return &DomainHandlers{domains: d}
}

// AddDomainRequest registers a domain allowed to embed or call a site's modules
type AddDomainRequest struct {
	Domain     string   `json:"domain" binding:"required"`
	ModuleID   *string  `json:"module_id"`
	AllowEmbed bool     `json:"allow_embed"`
	AllowAPI   bool     `json:"allow_api"`
	EmbedTypes []string `json:"embed_types"`
	RateLimit  *int     `json:"rate_limit"`
}

// @Summary      Add allowed domain
// @Description  Registers an unverified domain and returns the DNS TXT record and meta tag that prove ownership.
// @Tags         Domains
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        siteId  path  string            true  "Site ID"
// @Param        body    body  AddDomainRequest  true  "Domain"
// @Success      201  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid or duplicate domain"
// @Router       /api/admin/sites/{siteId}/domains [post]
// AddDomainHandler registers a domain for the site
func (h *DomainHandlers) AddDomainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req AddDomainRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}

		d, err := h.domains.AddDomain(c.Request.Context(), domains.AddDomainInput{
			SiteID:     c.Param("siteId"),
			ModuleID:   req.ModuleID,
			Domain:     req.Domain,
			AllowEmbed: req.AllowEmbed,
			AllowAPI:   req.AllowAPI,
			EmbedTypes: req.EmbedTypes,
			RateLimit:  req.RateLimit,
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"domain":       d,
			"instructions": h.domains.Instructions(d),
		})
	}
}

// @Summary      List allowed domains
// @Tags         Domains
// @Security     Bearer
// @Produce      json
// @Param        siteId  path  string  true  "Site ID"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/sites/{siteId}/domains [get]
// ListDomainsHandler lists the site's domains
func (h *DomainHandlers) ListDomainsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		list, err := h.domains.ListDomains(c.Request.Context(), c.Param("siteId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"domains": list})
	}
}

// @Summary      Verify allowed domain
// @Description  Checks the DNS TXT record, then the HTML meta tag. Answers 400 with the expected records when neither is found.
// @Tags         Domains
// @Security     Bearer
// @Produce      json
// @Param        siteId    path  string  true  "Site ID"
// @Param        domainId  path  string  true  "Domain ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Verification failed"
// @Failure      404  {object}  map[string]interface{}  "Domain not found"
// @Router       /api/admin/sites/{siteId}/domains/{domainId}/verify [post]
// VerifyDomainHandler verifies ownership of a domain
func (h *DomainHandlers) VerifyDomainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		d, method, err := h.domains.VerifyDomain(c.Request.Context(), c.Param("siteId"), c.Param("domainId"))
		if err != nil {
			if d != nil && apperr.Is(err, apperr.CodeValidationFailed) {
				c.JSON(http.StatusBadRequest, gin.H{
					"error":        apperr.PublicMessage(err),
					"code":         apperr.CodeValidationFailed,
					"instructions": h.domains.Instructions(d),
				})
				return
			}
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"domain": d,
			"method": method,
		})
	}
}

// @Summary      Remove allowed domain
// @Tags         Domains
// @Security     Bearer
// @Param        siteId    path  string  true  "Site ID"
// @Param        domainId  path  string  true  "Domain ID"
// @Success      204
// @Failure      404  {object}  map[string]interface{}  "Domain not found"
// @Router       /api/admin/sites/{siteId}/domains/{domainId} [delete]
// RemoveDomainHandler deletes a domain
func (h *DomainHandlers) RemoveDomainHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.domains.RemoveDomain(c.Request.Context(), c.Param("siteId"), c.Param("domainId")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}
