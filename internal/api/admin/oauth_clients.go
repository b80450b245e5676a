// oauth_clients.go implements OAuth client registration for a site's modules.
package admin

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/db/models"
	"github.com/agencyos/module-platform/internal/oauth"
)

// ClientManager manages OAuth clients. *oauth.Service satisfies it.
type ClientManager interface {
	CreateClient(ctx context.Context, in oauth.CreateClientInput) (*oauth.ClientCredentials, error)
	RegenerateSecret(ctx context.Context, clientID string) (*oauth.ClientCredentials, error)
	RevokeClient(ctx context.Context, clientID string) error
	ListClients(ctx context.Context, siteID, moduleID string) ([]*models.OAuthClient, error)
	GetClient(ctx context.Context, clientID string) (*models.OAuthClient, error)
}

// OAuthClientHandlers handles OAuth client management endpoints
type OAuthClientHandlers struct {
	modules ModuleLookup
	clients ClientManager
}

// NewOAuthClientHandlers creates a new OAuthClientHandlers instance
func NewOAuthClientHandlers(modules ModuleLookup, clients ClientManager) *OAuthClientHandlers {
	return &OAuthClientHandlers{
		modules: modules,
		clients: clients,
	}
}

// CreateOAuthClientRequest registers a third-party integration
type CreateOAuthClientRequest struct {
	ModuleID     string   `json:"module_id" binding:"required"`
	Name         string   `json:"name" binding:"required"`
	RedirectURIs []string `json:"redirect_uris" binding:"required"`
	Scopes       []string `json:"scopes" binding:"required"`
}

// @Summary      Create OAuth client
// @Description  Registers an OAuth client for one module on the site. The client secret is only returned in this response.
// @Tags         OAuth Clients
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        siteId  path  string                    true  "Site ID"
// @Param        body    body  CreateOAuthClientRequest  true  "Client details"
// @Success      201  {object}  oauth.ClientCredentials
// @Failure      400  {object}  map[string]interface{}  "Invalid redirect URI or scopes"
// @Router       /api/admin/sites/{siteId}/oauth/clients [post]
// CreateClientHandler registers a new OAuth client
func (h *OAuthClientHandlers) CreateClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req CreateOAuthClientRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			badRequest(c, "Invalid request body: "+err.Error())
			return
		}

		mod, err := h.modules.GetModule(c.Request.Context(), req.ModuleID)
		if err != nil {
			respondError(c, apperr.Query("get", "modules", err))
			return
		}
		if mod == nil {
			notFound(c, "Module")
			return
		}

		creds, err := h.clients.CreateClient(c.Request.Context(), oauth.CreateClientInput{
			SiteID:       c.Param("siteId"),
			ModuleID:     mod.ID,
			Name:         req.Name,
			RedirectURIs: req.RedirectURIs,
			Scopes:       req.Scopes,
			CreatedBy:    callerID(c),
		})
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusCreated, creds)
	}
}

// @Summary      List OAuth clients
// @Tags         OAuth Clients
// @Security     Bearer
// @Produce      json
// @Param        siteId     path   string  true   "Site ID"
// @Param        module_id  query  string  false  "Filter by module ID"
// @Success      200  {object}  map[string]interface{}
// @Router       /api/admin/sites/{siteId}/oauth/clients [get]
// ListClientsHandler lists the site's OAuth clients
func (h *OAuthClientHandlers) ListClientsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		clients, err := h.clients.ListClients(c.Request.Context(), c.Param("siteId"), c.Query("module_id"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"clients": clients})
	}
}

// @Summary      Regenerate OAuth client secret
// @Description  Issues a new client secret. The previous secret stops working immediately.
// @Tags         OAuth Clients
// @Security     Bearer
// @Produce      json
// @Param        siteId    path  string  true  "Site ID"
// @Param        clientId  path  string  true  "OAuth client_id"
// @Success      200  {object}  oauth.ClientCredentials
// @Failure      404  {object}  map[string]interface{}  "Client not found"
// @Router       /api/admin/sites/{siteId}/oauth/clients/{clientId}/secret [post]
// RegenerateSecretHandler rotates a client secret
func (h *OAuthClientHandlers) RegenerateSecretHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.ownClient(c) {
			return
		}
		creds, err := h.clients.RegenerateSecret(c.Request.Context(), c.Param("clientId"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, creds)
	}
}

// @Summary      Revoke OAuth client
// @Description  Deactivates the client. Tokens it already issued fail validation from then on.
// @Tags         OAuth Clients
// @Security     Bearer
// @Param        siteId    path  string  true  "Site ID"
// @Param        clientId  path  string  true  "OAuth client_id"
// @Success      204
// @Failure      404  {object}  map[string]interface{}  "Client not found"
// @Router       /api/admin/sites/{siteId}/oauth/clients/{clientId} [delete]
// RevokeClientHandler deactivates an OAuth client
func (h *OAuthClientHandlers) RevokeClientHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.ownClient(c) {
			return
		}
		if err := h.clients.RevokeClient(c.Request.Context(), c.Param("clientId")); err != nil {
			respondError(c, err)
			return
		}
		c.Status(http.StatusNoContent)
	}
}

// ownClient answers 404 unless :clientId belongs to :siteId, so one agency
// cannot probe another agency's clients.
func (h *OAuthClientHandlers) ownClient(c *gin.Context) bool {
	client, err := h.clients.GetClient(c.Request.Context(), c.Param("clientId"))
	if err != nil && !apperr.Is(err, apperr.CodeNotFound) {
		respondError(c, err)
		return false
	}
	if client == nil || client.SiteID != c.Param("siteId") {
		notFound(c, "OAuth client")
		return false
	}
	return true
}
