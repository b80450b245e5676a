// Package domains manages the origins a site may use for API CORS and
// embedding. A domain is only honored after the site proves ownership with a
// DNS TXT record or an HTML meta tag carrying the domain's verification token.
package domains

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/agencyos/module-platform/internal/apperr"
	"github.com/agencyos/module-platform/internal/config"
	"github.com/agencyos/module-platform/internal/db"
	"github.com/agencyos/module-platform/internal/db/models"
)

// Purpose is what an origin wants to do with a module.
type Purpose string

const (
	PurposeAPI   Purpose = "api"
	PurposeEmbed Purpose = "embed"
)

// Verification methods reported by VerifyDomain.
const (
	MethodDNS  = "dns_txt"
	MethodMeta = "html_meta"
)

const (
	defaultLabel       = "agencyos"
	defaultHTTPTimeout = 10 * time.Second
	maxPageBytes       = 1 << 20
	maxRedirects       = 5
)

var hostLabel = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]{0,61}[a-z0-9])?$`)

// Store is the persistence the service needs. *repositories.DomainRepository
// satisfies it.
type Store interface {
	CreateDomain(ctx context.Context, d *models.AllowedDomain) error
	GetDomain(ctx context.Context, id string) (*models.AllowedDomain, error)
	ListDomains(ctx context.Context, siteID string) ([]*models.AllowedDomain, error)
	ListVerifiedForHost(ctx context.Context, siteID, moduleID, host string) ([]*models.AllowedDomain, error)
	MarkVerified(ctx context.Context, id string) error
	DeleteDomain(ctx context.Context, siteID, id string) (bool, error)
}

// TXTResolver looks up DNS TXT records. *net.Resolver satisfies it.
type TXTResolver interface {
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// AddDomainInput describes a domain to register.
type AddDomainInput struct {
	SiteID     string
	ModuleID   *string
	Domain     string
	AllowEmbed bool
	AllowAPI   bool
	EmbedTypes []string
	RateLimit  *int
}

// Instructions tell the site owner how to prove ownership.
type Instructions struct {
	TXTName  string `json:"txt_name"`
	TXTValue string `json:"txt_value"`
	MetaTag  string `json:"meta_tag"`
}

// Service implements domain registration, verification and origin checks.
type Service struct {
	store    Store
	label    string
	resolver TXTResolver
	client   *http.Client
	pageURL  func(domain string) string
}

// NewService creates a Service.
func NewService(store Store, cfg *config.DomainsConfig) *Service {
	label := defaultLabel
	timeout := defaultHTTPTimeout
	if cfg != nil {
		if cfg.PlatformLabel != "" {
			label = cfg.PlatformLabel
		}
		if cfg.HTTPTimeout > 0 {
			timeout = cfg.HTTPTimeout
		}
	}
	return &Service{
		store:    store,
		label:    label,
		resolver: net.DefaultResolver,
		client:   &http.Client{Timeout: timeout, CheckRedirect: httpsOnlyRedirect},
		pageURL:  func(domain string) string { return "https://" + domain + "/" },
	}
}

// httpsOnlyRedirect stops the verification fetch from following a redirect
// off https.
func httpsOnlyRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return fmt.Errorf("stopped after %d redirects", maxRedirects)
	}
	if req.URL.Scheme != "https" {
		return fmt.Errorf("refusing redirect to non-https URL %s", req.URL.Redacted())
	}
	return nil
}

// NormalizeDomain lowercases d and strips any scheme, port, path and
// trailing dot, then validates the result as a DNS hostname.
func NormalizeDomain(d string) (string, error) {
	d = strings.TrimSpace(strings.ToLower(d))
	if strings.Contains(d, "://") {
		u, err := url.Parse(d)
		if err != nil {
			return "", apperr.New(apperr.CodeValidationFailed, "invalid domain: %s", d)
		}
		d = u.Host
	}
	if i := strings.IndexAny(d, "/?#"); i >= 0 {
		d = d[:i]
	}
	if host, _, err := net.SplitHostPort(d); err == nil {
		d = host
	}
	d = strings.TrimSuffix(d, ".")

	if len(d) == 0 || len(d) > 253 || !strings.Contains(d, ".") {
		return "", apperr.New(apperr.CodeValidationFailed, "invalid domain: %q", d)
	}
	for _, label := range strings.Split(d, ".") {
		if !hostLabel.MatchString(label) {
			return "", apperr.New(apperr.CodeValidationFailed, "invalid domain: %q", d)
		}
	}
	return d, nil
}

// AddDomain registers an unverified domain with a fresh verification token.
func (s *Service) AddDomain(ctx context.Context, in AddDomainInput) (*models.AllowedDomain, error) {
	if in.SiteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site_id is required")
	}
	domain, err := NormalizeDomain(in.Domain)
	if err != nil {
		return nil, err
	}
	if in.RateLimit != nil && *in.RateLimit < 0 {
		return nil, apperr.New(apperr.CodeValidationFailed, "rate_limit must not be negative")
	}

	token := make([]byte, 16)
	if _, err := rand.Read(token); err != nil {
		return nil, fmt.Errorf("failed to generate verification token: %w", err)
	}

	d := &models.AllowedDomain{
		SiteID:            in.SiteID,
		ModuleID:          in.ModuleID,
		Domain:            domain,
		VerificationToken: hex.EncodeToString(token),
		AllowEmbed:        in.AllowEmbed,
		AllowAPI:          in.AllowAPI,
		EmbedTypes:        in.EmbedTypes,
		RateLimit:         in.RateLimit,
	}
	if d.EmbedTypes == nil {
		d.EmbedTypes = []string{}
	}
	if err := s.store.CreateDomain(ctx, d); err != nil {
		if db.IsUniqueViolation(err) {
			return nil, apperr.New(apperr.CodeValidationFailed, "domain %s is already registered", domain)
		}
		return nil, apperr.Query("insert", "allowed_domains", err)
	}
	return d, nil
}

// Instructions returns the DNS record and meta tag that verify d.
func (s *Service) Instructions(d *models.AllowedDomain) Instructions {
	return Instructions{
		TXTName:  s.txtName(d.Domain),
		TXTValue: s.txtValue(d.VerificationToken),
		MetaTag:  fmt.Sprintf(`<meta name="%s" content="%s">`, s.metaName(), d.VerificationToken),
	}
}

func (s *Service) txtName(domain string) string { return "_" + s.label + "-verify." + domain }
func (s *Service) txtValue(token string) string { return s.label + "-site-verification=" + token }
func (s *Service) metaName() string             { return s.label + "-site-verification" }

// VerifyDomain checks the DNS TXT record first and falls back to the HTML
// meta tag. On success the domain is marked verified and the method used is
// returned. Verifying an already verified domain is a no-op.
func (s *Service) VerifyDomain(ctx context.Context, siteID, id string) (*models.AllowedDomain, string, error) {
	d, err := s.getDomain(ctx, siteID, id)
	if err != nil {
		return nil, "", err
	}
	if d.Verified {
		return d, "", nil
	}

	method := ""
	if s.checkTXT(ctx, d) {
		method = MethodDNS
	} else if s.checkMeta(ctx, d) {
		method = MethodMeta
	}
	if method == "" {
		return d, "", apperr.New(apperr.CodeValidationFailed,
			"verification failed: add TXT record %s or the %s meta tag", s.txtName(d.Domain), s.metaName())
	}

	if err := s.store.MarkVerified(ctx, d.ID); err != nil {
		return nil, "", apperr.Query("update", "allowed_domains", err)
	}
	now := time.Now()
	d.Verified = true
	d.VerifiedAt = &now
	slog.Info("domain verified", "site_id", siteID, "domain", d.Domain, "method", method)
	return d, method, nil
}

func (s *Service) checkTXT(ctx context.Context, d *models.AllowedDomain) bool {
	records, err := s.resolver.LookupTXT(ctx, s.txtName(d.Domain))
	if err != nil {
		slog.Debug("domain TXT lookup failed", "domain", d.Domain, "error", err)
		return false
	}
	want := s.txtValue(d.VerificationToken)
	for _, r := range records {
		if strings.TrimSpace(r) == want {
			return true
		}
	}
	return false
}

func (s *Service) checkMeta(ctx context.Context, d *models.AllowedDomain) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.pageURL(d.Domain), nil)
	if err != nil {
		return false
	}
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Debug("domain page fetch failed", "domain", d.Domain, "error", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false
	}
	content, err := findMeta(io.LimitReader(resp.Body, maxPageBytes), s.metaName())
	if err != nil {
		return false
	}
	return content == d.VerificationToken
}

var errMetaNotFound = errors.New("meta tag not found")

// findMeta returns the content attribute of the first <meta name=name> tag.
func findMeta(r io.Reader, name string) (string, error) {
	z := html.NewTokenizer(r)
	for {
		switch z.Next() {
		case html.ErrorToken:
			if z.Err() == io.EOF {
				return "", errMetaNotFound
			}
			return "", z.Err()
		case html.StartTagToken, html.SelfClosingTagToken:
			tok := z.Token()
			if tok.Data == "body" {
				return "", errMetaNotFound
			}
			if tok.Data != "meta" {
				continue
			}
			var metaName, content string
			for _, a := range tok.Attr {
				switch strings.ToLower(a.Key) {
				case "name":
					metaName = a.Val
				case "content":
					content = a.Val
				}
			}
			if strings.EqualFold(metaName, name) {
				return strings.TrimSpace(content), nil
			}
		}
	}
}

// IsOriginAllowed reports whether origin may use moduleID on siteID for
// purpose. Only verified domains count. Embedding additionally requires
// allow_embed and, when the domain lists embed types, a listed embedType.
// Verification proves control of the https origin, so other schemes never match.
func (s *Service) IsOriginAllowed(ctx context.Context, siteID, moduleID, origin string, purpose Purpose, embedType string) (bool, error) {
	u, err := url.Parse(origin)
	if err != nil || u.Hostname() == "" || !strings.EqualFold(u.Scheme, "https") {
		return false, nil
	}
	host := strings.ToLower(u.Hostname())

	candidates, err := s.store.ListVerifiedForHost(ctx, siteID, moduleID, host)
	if err != nil {
		return false, apperr.Query("select", "allowed_domains", err)
	}
	for _, d := range candidates {
		if !d.Verified {
			continue
		}
		switch purpose {
		case PurposeAPI:
			if d.AllowAPI {
				return true, nil
			}
		case PurposeEmbed:
			if d.AllowEmbed && (embedType == "" || len(d.EmbedTypes) == 0 || contains(d.EmbedTypes, embedType)) {
				return true, nil
			}
		}
	}
	return false, nil
}

// ListDomains returns a site's domains.
func (s *Service) ListDomains(ctx context.Context, siteID string) ([]*models.AllowedDomain, error) {
	if siteID == "" {
		return nil, apperr.New(apperr.CodeValidationFailed, "site_id is required")
	}
	out, err := s.store.ListDomains(ctx, siteID)
	if err != nil {
		return nil, apperr.Query("select", "allowed_domains", err)
	}
	return out, nil
}

// RemoveDomain deletes a site's domain.
func (s *Service) RemoveDomain(ctx context.Context, siteID, id string) error {
	ok, err := s.store.DeleteDomain(ctx, siteID, id)
	if err != nil {
		return apperr.Query("delete", "allowed_domains", err)
	}
	if !ok {
		return apperr.New(apperr.CodeNotFound, "domain not found")
	}
	return nil
}

// GetDomain returns a site's domain.
func (s *Service) GetDomain(ctx context.Context, siteID, id string) (*models.AllowedDomain, error) {
	return s.getDomain(ctx, siteID, id)
}

func (s *Service) getDomain(ctx context.Context, siteID, id string) (*models.AllowedDomain, error) {
	d, err := s.store.GetDomain(ctx, id)
	if err != nil {
		return nil, apperr.Query("select", "allowed_domains", err)
	}
	if d == nil || d.SiteID != siteID {
		return nil, apperr.New(apperr.CodeNotFound, "domain not found")
	}
	return d, nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
