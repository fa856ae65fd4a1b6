package account

import (
	"net/http"
	"regexp"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/careportal/careportal/internal/platform/api"
	"github.com/careportal/careportal/internal/platform/audit"
	"github.com/careportal/careportal/internal/platform/auth"
	"github.com/careportal/careportal/internal/platform/ratelimit"
)

const cookieRefreshToken = "refreshToken"

var codeRx = regexp.MustCompile(`^\d{6}$`)

type Handler struct {
	svc     *Service
	limiter *ratelimit.Limiter
	auditor *audit.Logger
}

func NewHandler(svc *Service, limiter *ratelimit.Limiter, auditor *audit.Logger) *Handler {
	return &Handler{svc: svc, limiter: limiter, auditor: auditor}
}

// RegisterRoutes mounts the credential endpoints under g (the versioned
// API group). Budgets whose key is only known after decoding the body
// (login, forgot-password, change-password) are checked inside the
// handlers; the rest ride the rate-limit middleware.
func (h *Handler) RegisterRoutes(g *echo.Group, pipeline *auth.Pipeline, guard *auth.Guard) {
	users := g.Group("/users")

	users.POST("/register", h.Register, ratelimit.Middleware(h.limiter, ratelimit.MiddlewareConfig{
		Class:  ratelimit.ClassRegistration,
		OnDeny: h.auditRateLimited,
		Bot:    headlessClient,
	}))
	users.POST("/login", h.Login)
	users.POST("/refresh-token", h.Refresh)
	users.POST("/forgot-password", h.ForgotPassword)
	users.POST("/reset-password", h.ResetPassword, ratelimit.Middleware(h.limiter, ratelimit.MiddlewareConfig{
		Class:  ratelimit.ClassStrict,
		OnDeny: h.auditRateLimited,
	}))

	authed := users.Group("", pipeline.Authenticate())
	authed.POST("/logout", h.Logout)
	authed.GET("/current", h.Current)
	authed.POST("/verify-email", h.VerifyEmail)
	authed.POST("/verify-phone", h.VerifyPhone)
	authed.POST("/change-password", h.ChangePassword, guard.RequireVerified(auth.VerifiedEmail))
}

type registerRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type changePasswordRequest struct {
	CurrentPassword string `json:"currentPassword"`
	NewPassword     string `json:"newPassword"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

type resetPasswordRequest struct {
	Token       string `json:"token"`
	NewPassword string `json:"newPassword"`
}

type verifyRequest struct {
	Code string `json:"code"`
}

type loginResponse struct {
	User         Profile `json:"user"`
	AccessToken  string  `json:"accessToken"`
	RefreshToken string  `json:"refreshToken"`
	TokenType    string  `json:"tokenType"`
	ExpiresIn    int64   `json:"expiresIn"`
}

type tokenResponse struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	TokenType    string `json:"tokenType"`
	ExpiresIn    int64  `json:"expiresIn"`
}

func (h *Handler) Register(c echo.Context) error {
	var req registerRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}

	u, err := h.svc.Register(c.Request().Context(), RegisterParams{
		Email:    req.Email,
		Phone:    req.Phone,
		Password: req.Password,
		Role:     req.Role,
	}, clientFrom(c))
	if err != nil {
		return err
	}
	return api.Created(c, "registration successful, verification code sent", u.Profile())
}

func (h *Handler) Login(c echo.Context) error {
	var req loginRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}

	identifier := strings.TrimSpace(req.Email)
	if identifier == "" {
		identifier = strings.TrimSpace(req.Phone)
	}
	var fields []api.FieldError
	if identifier == "" {
		fields = append(fields, api.FieldError{Field: "email", Message: "email or phone is required", Code: "REQUIRED"})
	}
	if req.Password == "" {
		fields = append(fields, api.FieldError{Field: "password", Message: "password is required", Code: "REQUIRED"})
	}
	if len(fields) > 0 {
		return api.Invalid("validation failed", fields...)
	}

	// The login budget keys on the presented identifier, so a distributed
	// guesser cannot reset it by rotating addresses.
	denial := h.newDenial(c, audit.TypeLoginThrottled)
	denial.Details = map[string]any{"identifier": identifier}
	if err := h.checkLimit(c, ratelimit.ClassLogin, normalizeIdentifier(identifier), denial); err != nil {
		return err
	}

	pair, u, err := h.svc.Login(c.Request().Context(), identifier, req.Password, clientFrom(c))
	if err != nil {
		return err
	}

	h.setAuthCookies(c, pair)
	return api.OK(c, "login successful", loginResponse{
		User:         u.Profile(),
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (h *Handler) Refresh(c echo.Context) error {
	var req refreshRequest
	// Browser clients send no body; the token rides the cookie.
	_ = c.Bind(&req)

	presented := strings.TrimSpace(req.RefreshToken)
	if presented == "" {
		if ck, err := c.Cookie(cookieRefreshToken); err == nil {
			presented = strings.TrimSpace(ck.Value)
		}
	}
	if presented == "" {
		e := h.newDenial(c, audit.TypeUnauthenticatedAttempt)
		if aerr := h.auditor.WriteSync(c.Request().Context(), e); aerr != nil {
			return aerr
		}
		return api.Unauthorized("refresh token required")
	}

	pair, err := h.svc.Refresh(c.Request().Context(), presented, clientFrom(c))
	if err != nil {
		return err
	}

	h.setAuthCookies(c, pair)
	return api.OK(c, "token refreshed", tokenResponse{
		AccessToken:  pair.AccessToken,
		RefreshToken: pair.RefreshToken,
		TokenType:    pair.TokenType,
		ExpiresIn:    pair.ExpiresIn,
	})
}

func (h *Handler) Logout(c echo.Context) error {
	pr, ok := auth.PrincipalFrom(c)
	if !ok {
		return api.Unauthorized("authentication required")
	}
	if err := h.svc.Logout(c.Request().Context(), pr.SubjectID, clientFrom(c)); err != nil {
		return err
	}
	h.clearAuthCookies(c)
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Current(c echo.Context) error {
	pr, ok := auth.PrincipalFrom(c)
	if !ok {
		return api.Unauthorized("authentication required")
	}
	u, err := h.svc.CurrentUser(c.Request().Context(), pr.SubjectID)
	if err != nil {
		return err
	}
	return api.OK(c, "current user", u.Profile())
}

func (h *Handler) ChangePassword(c echo.Context) error {
	pr, ok := auth.PrincipalFrom(c)
	if !ok {
		return api.Unauthorized("authentication required")
	}

	var req changePasswordRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}
	var fields []api.FieldError
	if req.CurrentPassword == "" {
		fields = append(fields, api.FieldError{Field: "currentPassword", Message: "current password is required", Code: "REQUIRED"})
	}
	if req.NewPassword == "" {
		fields = append(fields, api.FieldError{Field: "newPassword", Message: "new password is required", Code: "REQUIRED"})
	}
	if len(fields) > 0 {
		return api.Invalid("validation failed", fields...)
	}

	denial := h.newDenial(c, audit.TypeRateLimited)
	denial.Subject = pr.SubjectID
	if err := h.checkLimit(c, ratelimit.ClassStrict, pr.SubjectID, denial); err != nil {
		return err
	}

	if err := h.svc.ChangePassword(c.Request().Context(), pr.SubjectID, req.CurrentPassword, req.NewPassword, clientFrom(c)); err != nil {
		return err
	}

	// The caller's own tokens died with the old password.
	h.clearAuthCookies(c)
	return api.OK(c, "password changed, please sign in again", nil)
}

func (h *Handler) ForgotPassword(c echo.Context) error {
	var req forgotPasswordRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}
	if strings.TrimSpace(req.Email) == "" {
		return api.Invalid("validation failed",
			api.FieldError{Field: "email", Message: "email is required", Code: "REQUIRED"})
	}

	denial := h.newDenial(c, audit.TypeRateLimited)
	denial.Details = map[string]any{"flow": "forgot_password"}
	if err := h.checkLimit(c, ratelimit.ClassStrict, normalizeIdentifier(req.Email), denial); err != nil {
		return err
	}

	if err := h.svc.ForgotPassword(c.Request().Context(), req.Email, clientFrom(c)); err != nil {
		return err
	}
	return api.OK(c, "if the account exists, a reset link has been sent", nil)
}

func (h *Handler) ResetPassword(c echo.Context) error {
	var req resetPasswordRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}
	var fields []api.FieldError
	if strings.TrimSpace(req.Token) == "" {
		fields = append(fields, api.FieldError{Field: "token", Message: "reset token is required", Code: "REQUIRED"})
	}
	if req.NewPassword == "" {
		fields = append(fields, api.FieldError{Field: "newPassword", Message: "new password is required", Code: "REQUIRED"})
	}
	if len(fields) > 0 {
		return api.Invalid("validation failed", fields...)
	}

	if err := h.svc.ResetPassword(c.Request().Context(), req.Token, req.NewPassword, clientFrom(c)); err != nil {
		return err
	}
	return api.OK(c, "password reset, please sign in", nil)
}

func (h *Handler) VerifyEmail(c echo.Context) error {
	return h.verify(c, ChannelEmail)
}

func (h *Handler) VerifyPhone(c echo.Context) error {
	return h.verify(c, ChannelPhone)
}

func (h *Handler) verify(c echo.Context, channel string) error {
	pr, ok := auth.PrincipalFrom(c)
	if !ok {
		return api.Unauthorized("authentication required")
	}

	var req verifyRequest
	if err := c.Bind(&req); err != nil {
		return api.Malformed("malformed request body")
	}
	// A structurally invalid code is a validation error, not a wrong
	// attempt; it never burns verification back-off budget.
	if !codeRx.MatchString(req.Code) {
		return api.Invalid("validation failed",
			api.FieldError{Field: "code", Message: "code must be 6 digits", Code: "FORMAT"})
	}

	var err error
	if channel == ChannelPhone {
		err = h.svc.VerifyPhone(c.Request().Context(), pr.SubjectID, req.Code, clientFrom(c))
	} else {
		err = h.svc.VerifyEmail(c.Request().Context(), pr.SubjectID, req.Code, clientFrom(c))
	}
	if err != nil {
		return err
	}
	return api.OK(c, channel+" verified", nil)
}

// -- rate limiting --

// checkLimit counts the request against a class budget and, when the
// budget is gone, writes the denial audit entry before the 429 leaves.
func (h *Handler) checkLimit(c echo.Context, class ratelimit.Class, key string, denial *audit.Event) error {
	res, err := h.limiter.Check(c.Request().Context(), class, key)
	if err != nil {
		return err
	}
	ratelimit.WriteHeaders(c.Response().Header(), res)
	if res.Allowed {
		return nil
	}
	if aerr := h.auditor.WriteSync(c.Request().Context(), denial); aerr != nil {
		return aerr
	}
	return ratelimit.ErrLimited
}

func (h *Handler) auditRateLimited(c echo.Context, _ ratelimit.Result) {
	// Medium severity fails open, so the denied write never blocks the 429.
	_ = h.auditor.WriteSync(c.Request().Context(), h.newDenial(c, audit.TypeRateLimited))
}

func (h *Handler) newDenial(c echo.Context, typ string) *audit.Event {
	cl := clientFrom(c)
	return &audit.Event{
		Type:       typ,
		Outcome:    audit.OutcomeDenied,
		RemoteAddr: cl.RemoteAddr,
		UserAgent:  cl.UserAgent,
		RequestID:  cl.RequestID,
	}
}

// -- cookies --

func (h *Handler) setAuthCookies(c echo.Context, pair *TokenPair) {
	c.SetCookie(authCookie(auth.CookieAccessToken, pair.AccessToken, int(h.svc.AccessTTL().Seconds())))
	c.SetCookie(authCookie(cookieRefreshToken, pair.RefreshToken, int(h.svc.RefreshTTL().Seconds())))
}

func (h *Handler) clearAuthCookies(c echo.Context) {
	c.SetCookie(authCookie(auth.CookieAccessToken, "", -1))
	c.SetCookie(authCookie(cookieRefreshToken, "", -1))
}

func authCookie(name, value string, maxAge int) *http.Cookie {
	return &http.Cookie{
		Name:     name,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   true,
		SameSite: http.SameSiteStrictMode,
	}
}

func clientFrom(c echo.Context) Client {
	return Client{
		RemoteAddr: c.RealIP(),
		UserAgent:  c.Request().UserAgent(),
		RequestID:  api.RequestID(c),
	}
}

// headlessClient flags registration attempts that carry no User-Agent.
func headlessClient(c echo.Context) bool {
	return strings.TrimSpace(c.Request().UserAgent()) == ""
}
