package app

import (
	"context"
	"net/http"
	"time"

	"orchid/api/internal/auth"
	"orchid/api/internal/authpw"
	"orchid/api/internal/config"
	"orchid/api/internal/rbac"
	"orchid/api/internal/search"
	"orchid/api/internal/store"
	"orchid/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	Ping(ctx context.Context) error

	CreateUser(context.Context, store.User) error
	GetUserByEmail(context.Context, string) (store.User, error)
	GetUserByID(context.Context, string) (store.User, error)
	ListUsersByRole(context.Context, string) ([]store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertProject(context.Context, store.Project) error
	ListProjects(context.Context) ([]store.Project, error)
	GetProject(context.Context, string) (store.Project, error)
	DeleteProject(context.Context, string) error
	LoadProject(context.Context, string) (store.ProjectGraph, error)
	ProjectSummary(context.Context, string) (store.ProjectSummary, error)

	InsertObjective(context.Context, store.Objective) error
	GetObjective(context.Context, string) (store.Objective, error)
	RenameObjective(context.Context, string, string) error
	DeleteObjective(context.Context, string) error

	InsertActivity(context.Context, store.Activity) error
	GetActivity(context.Context, string) (store.Activity, error)
	RenameActivity(context.Context, string, string) error
	DeleteActivity(context.Context, string) error

	InsertTask(context.Context, store.Task) error
	GetTask(context.Context, string) (store.Task, error)
	PatchTask(context.Context, string, store.TaskPatch) (store.Task, error)
	ToggleTaskStatus(context.Context, string) (store.Task, error)
	DeleteTask(context.Context, string) error

	InsertKPI(context.Context, store.KPI) error
	GetKPI(context.Context, string) (store.KPI, error)
	PatchKPI(context.Context, string, store.KPIPatch) (store.KPI, error)
	DeleteKPI(context.Context, string) error
	AppendKPIEntry(context.Context, string, float64) (store.KPI, store.KPIEntry, error)

	InsertBudget(context.Context, store.Budget) error
	GetBudget(context.Context, string) (store.Budget, error)
	InsertExpense(context.Context, store.Expense) error
	InsertDeliverable(context.Context, store.Deliverable) error

	ProjectIDForObjective(context.Context, string) (string, error)
	ProjectIDForActivity(context.Context, string) (string, error)
	ProjectIDForTask(context.Context, string) (string, error)
	ProjectIDForKPI(context.Context, string) (string, error)
	ProjectIDForBudget(context.Context, string) (string, error)

	InsertItem(context.Context, store.Item) error
	ListItems(context.Context) ([]store.Item, error)
	GetItem(context.Context, string) (store.Item, error)
	DeleteItem(context.Context, string) error
	InsertLocation(context.Context, store.Location) error
	ListLocations(context.Context) ([]store.Location, error)
	GetLocation(context.Context, string) (store.Location, error)
	DeleteLocation(context.Context, string) error
	ListStockLevels(context.Context) ([]store.StockLevel, error)
	UpsertStockLevel(context.Context, store.StockLevel) (store.StockLevel, error)
	Distribute(context.Context, string, string, int) (store.StockLevel, error)
}

// sessionStore holds refresh tokens. Both the Redis backend and the
// Postgres refresh_sessions table satisfy it.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// broadcaster delivers one human-readable message to every live
// observer of a project.
type broadcaster interface {
	Broadcast(projectID, message string)
}

// blobStore persists deliverable file uploads.
type blobStore interface {
	Put(ctx context.Context, filename, contentType string, data []byte) (string, error)
}

// mailer sends operational notifications.
type mailer interface {
	IsConfigured() bool
	SendEmail(to []string, subject, body string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	registry  broadcaster
	passwords *authpw.Service
	search    *search.Service
	blobs     blobStore
	mail      mailer
}

// New wires the service against the Postgres store for both data and
// refresh sessions.
func New(cfg config.Config, dataStore *store.PostgresStore, registry broadcaster, searchService *search.Service) *Service {
	return newService(cfg, dataStore, dataStore, registry, searchService)
}

// NewWithSessionStore wires the service with a dedicated session
// backend, used when Redis is configured.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, registry broadcaster, searchService *search.Service) *Service {
	return newService(cfg, dataStore, sessions, registry, searchService)
}

func newService(cfg config.Config, data dataStore, sessions sessionStore, registry broadcaster, searchService *search.Service) *Service {
	svc := &Service{
		cfg:      cfg,
		store:    data,
		sessions: sessions,
		registry: registry,
		search:   searchService,
	}
	if users, ok := data.(authpw.UserStore); ok {
		svc.passwords = authpw.NewService(users)
	}
	return svc
}

// SetBlobStore attaches object storage for deliverable files.
func (s *Service) SetBlobStore(blobs blobStore) {
	s.blobs = blobs
}

// SetMailer attaches the SMTP service used for low-stock alerts.
func (s *Service) SetMailer(mail mailer) {
	s.mail = mail
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// SignUp registers a user and immediately issues a session for them.
func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	if s.passwords == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.passwords.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// SignIn authenticates by email and password and issues a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	if s.passwords == nil {
		return Session{}, domainError(http.StatusServiceUnavailable, "AUTH_UNAVAILABLE", "Authentication service not configured", nil)
	}
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates a refresh token: the presented token is revoked and a
// fresh pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token and loads the current user
// so a role change takes effect on the next request, not the next
// sign-in.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the access token and, if presented, the refresh token.
func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// ListFieldOfficers returns the users a task can be assigned to.
func (s *Service) ListFieldOfficers(ctx context.Context) ([]map[string]any, error) {
	users, err := s.store.ListUsersByRole(ctx, string(rbac.RoleFieldOfficer))
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(users))
	for _, user := range users {
		items = append(items, map[string]any{
			"id":          user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
			"role":        user.Role,
		})
	}
	return items, nil
}

// Search runs a query over projects and tasks.
func (s *Service) Search(ctx context.Context, text, filterType, projectID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	return s.search.Search(search.Query{
		Text:            text,
		FilterType:      search.ResultType(filterType),
		FilterProjectID: projectID,
		Limit:           limit,
		Offset:          offset,
	}), nil
}
