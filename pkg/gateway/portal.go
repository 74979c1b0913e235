package gateway

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/corralhq/corral/pkg/security"
	"github.com/corralhq/corral/pkg/types"
)

// handleLogin redirects the browser to the identity provider's authorize
// endpoint.
func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	q := url.Values{}
	q.Set("client_id", g.cfg.IdPClientID)
	q.Set("response_type", "code")
	q.Set("redirect_uri", g.callbackURL())
	q.Set("scope", "openid profile email")
	q.Set("state", uuid.New().String())
	http.Redirect(w, r, g.cfg.IdPAuthority+"/oauth2/v2.0/authorize?"+q.Encode(), http.StatusFound)
}

func (g *Gateway) callbackURL() string {
	return "https://portal." + g.cfg.Domain + "/api/auth/callback"
}

// idTokenClaims is what we read out of the IdP's id_token.
type idTokenClaims struct {
	Name  string `json:"name"`
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// handleCallback finishes the authorization-code flow: exchange the code,
// upsert the user from the id_token, and issue a portal session.
func (g *Gateway) handleCallback(w http.ResponseWriter, r *http.Request) {
	code := r.URL.Query().Get("code")
	if code == "" {
		writeDetail(w, http.StatusBadRequest, "missing code")
		return
	}

	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("client_id", g.cfg.IdPClientID)
	form.Set("client_secret", g.cfg.IdPClientSecret)
	form.Set("redirect_uri", g.callbackURL())

	client := &http.Client{Timeout: g.cfg.HTTPTimeout}
	resp, err := client.PostForm(g.cfg.IdPAuthority+"/oauth2/v2.0/token", form)
	if err != nil {
		writeDetail(w, http.StatusBadGateway, "identity provider unreachable")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		writeDetail(w, http.StatusUnauthorized, "code exchange rejected")
		return
	}

	var tokenResp struct {
		IDToken string `json:"id_token"`
	}
	if err := decodeJSONResponse(resp, &tokenResp); err != nil || tokenResp.IDToken == "" {
		writeDetail(w, http.StatusBadGateway, "malformed token response")
		return
	}

	// The id_token came straight from the token endpoint over TLS; its
	// claims are trusted without a JWKS round trip.
	var claims idTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(tokenResp.IDToken, &claims); err != nil {
		writeDetail(w, http.StatusBadGateway, "malformed id_token")
		return
	}

	user, err := g.Store.UpsertUserByExternalID(claims.Subject, claims.Name, claims.Email)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	session, err := g.issueSession(user)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"token": session, "user": user})
}

// handleExchange swaps a pk_ API token for a short-lived portal session
// belonging to the token's creator.
func (g *Gateway) handleExchange(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("token")
	if !strings.HasPrefix(raw, "pk_") {
		writeDetail(w, http.StatusBadRequest, "token must be a pk_ credential")
		return
	}
	tok, err := g.Store.GetAPITokenByHash(security.HashToken(raw))
	if err != nil {
		writeDetail(w, http.StatusUnauthorized, "invalid token")
		return
	}
	if !tok.Active || tok.Expired(time.Now()) {
		writeDetail(w, http.StatusUnauthorized, "token inactive or expired")
		return
	}
	user, err := g.Store.GetUser(tok.CreatedByUserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	session, err := g.issueSession(user)
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to issue session")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": session})
}

func (g *Gateway) handleGetMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	user, err := g.Store.GetUser(p.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

func (g *Gateway) handleUpdateMe(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	user, err := g.Store.GetUser(p.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var body struct {
		DisplayName string `json:"display_name"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeDetail(w, http.StatusBadRequest, "malformed body")
		return
	}
	if body.DisplayName != "" {
		user.DisplayName = body.DisplayName
	}
	if err := g.Store.UpdateUser(user); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// tokenResponse hides the hash and carries the plaintext only on create.
type tokenResponse struct {
	*types.APIToken
	TokenHash string `json:"token_hash,omitempty"`
	Plaintext string `json:"token,omitempty"`
}

func (g *Gateway) handleListTokens(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	tokens, err := g.Store.ListAPITokensByUser(p.UserID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]tokenResponse, 0, len(tokens))
	for _, tok := range tokens {
		out = append(out, tokenResponse{APIToken: tok})
	}
	writeJSON(w, http.StatusOK, out)
}

func (g *Gateway) handleCreateToken(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	var body struct {
		Name      string   `json:"name"`
		Kind      string   `json:"kind"`
		TeamID    string   `json:"team_id"`
		Scopes    []string `json:"scopes"`
		ExpiresAt string   `json:"expires_at"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		writeDetail(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(body.Scopes) == 0 {
		writeDetail(w, http.StatusBadRequest, "at least one scope is required")
		return
	}

	plaintext, hash, err := security.GenerateTokenSecret()
	if err != nil {
		writeDetail(w, http.StatusInternalServerError, "failed to generate token")
		return
	}
	tok := &types.APIToken{
		ID:              uuid.New().String(),
		Name:            body.Name,
		Kind:            types.TokenKindPortal,
		TeamID:          body.TeamID,
		TokenHash:       hash,
		Scopes:          body.Scopes,
		CreatedByUserID: p.UserID,
		Active:          true,
	}
	if body.Kind == string(types.TokenKindTeam) {
		tok.Kind = types.TokenKindTeam
	}
	if body.ExpiresAt != "" {
		exp, err := time.Parse(time.RFC3339, body.ExpiresAt)
		if err != nil {
			writeDetail(w, http.StatusBadRequest, "expires_at must be RFC3339")
			return
		}
		tok.ExpiresAt = exp
	}
	if err := g.Store.CreateAPIToken(tok); err != nil {
		writeStoreError(w, err)
		return
	}
	// The plaintext is shown exactly once.
	writeJSON(w, http.StatusCreated, tokenResponse{APIToken: tok, Plaintext: plaintext})
}

func (g *Gateway) handleDeleteToken(w http.ResponseWriter, r *http.Request) {
	p, _ := principalFrom(r.Context())
	tok, err := g.Store.GetAPIToken(chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if tok.CreatedByUserID != p.UserID {
		writeDetail(w, http.StatusForbidden, "not your token")
		return
	}
	if err := g.Store.DeleteAPIToken(tok.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (g *Gateway) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := g.Broker.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (g *Gateway) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	if err := g.Broker.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (g *Gateway) handleRetryTask(w http.ResponseWriter, r *http.Request) {
	retryID, err := g.Broker.Retry(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": retryID})
}
