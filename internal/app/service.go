package app

import (
	"context"
	"database/sql"
	"net/http"
	"strings"
	"time"

	"clo/api/internal/auth"
	"clo/api/internal/authpw"
	"clo/api/internal/capsule"
	"clo/api/internal/config"
	"clo/api/internal/email"
	"clo/api/internal/export"
	"clo/api/internal/media"
	"clo/api/internal/search"
	"clo/api/internal/store"
	"clo/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	SaveRefreshSession(context.Context, string, string, time.Time) error
	LookupRefreshSession(context.Context, string) (store.User, error)
	RevokeRefreshSession(context.Context, string) error
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	InsertCapsule(context.Context, store.Capsule) error
	GetCapsule(context.Context, string) (store.Capsule, error)
	GetCapsuleByInviteCode(context.Context, string) (store.Capsule, error)
	AddCapsuleMember(context.Context, store.CapsuleMember) error
	GetMemberSlot(context.Context, string, string) (capsule.Party, error)
	CapsuleMemberCount(context.Context, string) (int, error)
	ListCapsuleMembers(context.Context, string) ([]store.CapsuleMember, error)
	ListCapsulesForUser(context.Context, string) ([]store.Capsule, error)

	InsertItem(context.Context, store.RelationshipItem) (store.RelationshipItem, error)
	GetItem(context.Context, string) (store.RelationshipItem, error)
	ListItems(context.Context, string, capsule.Stage) ([]store.RelationshipItem, error)
	UpdateItemFields(context.Context, string, store.ItemFieldChange) (store.RelationshipItem, error)
	CountItemsByStage(context.Context, string) ([]store.StageCount, error)

	InsertItemEvent(context.Context, store.ItemEvent) (store.ItemEvent, error)
	ListItemEvents(context.Context, string) ([]store.ItemEvent, error)

	InsertAttachment(context.Context, store.Attachment) error
	ListAttachments(context.Context, string) ([]store.Attachment, error)

	Ping(ctx context.Context) error
}

// sessionStore holds refresh tokens. Redis when configured, otherwise the
// Postgres store doubles as one.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

var allowedCategories = map[string]struct{}{
	"date":     {},
	"trip":     {},
	"money":    {},
	"shopping": {},
	"gift":     {},
	"activity": {},
	"home":     {},
	"general":  {},
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	authpw   *authpw.Service
	search   *search.Service
	media    *media.Service
	export   *export.Service
	email    *email.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchService *search.Service) *Service {
	return &Service{
		cfg:      cfg,
		store:    dataStore,
		sessions: dataStore,
		authpw:   authpw.NewService(dataStore),
		search:   searchService,
	}
}

func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchService *search.Service) *Service {
	service := New(cfg, dataStore, searchService)
	service.sessions = sessions
	return service
}

// WithMedia attaches the object-storage backend for item attachments.
func (s *Service) WithMedia(mediaService *media.Service) *Service {
	s.media = mediaService
	return s
}

// WithExport attaches the memory-book export backend.
func (s *Service) WithExport(exportService *export.Service) *Service {
	s.export = exportService
	return s
}

// WithEmail attaches the outbound mail backend.
func (s *Service) WithEmail(emailService *email.Service) *Service {
	s.email = emailService
	return s
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ---- sessions ----

func (s *Service) IssueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	if user.DisplayName == "" {
		if full, lookupErr := s.store.GetUserByID(ctx, user.ID); lookupErr == nil {
			user = full
		}
	}
	return s.IssueSession(ctx, user)
}

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
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// SendVerificationEmail is fire-and-forget: sign-up succeeds even when mail
// is down, and the token can be re-requested.
func (s *Service) SendVerificationEmail(to, displayName, token string) {
	if s.email == nil || !s.email.IsConfigured() {
		return
	}
	go s.email.SendVerification(to, displayName, s.cfg.AppBaseURL, token)
}

// ---- capsules ----

func (s *Service) CreateCapsule(ctx context.Context, userID, name string) (map[string]any, error) {
	capsuleName := strings.TrimSpace(name)
	if capsuleName == "" {
		capsuleName = "Our capsule"
	}
	item := store.Capsule{
		ID:         util.NewID("cap"),
		Name:       capsuleName,
		InviteCode: util.NewInviteCode(),
		CreatedBy:  userID,
	}
	if err := s.store.InsertCapsule(ctx, item); err != nil {
		return nil, err
	}
	if err := s.store.AddCapsuleMember(ctx, store.CapsuleMember{
		CapsuleID: item.ID,
		UserID:    userID,
		Slot:      capsule.PartyA,
	}); err != nil {
		return nil, err
	}
	return s.capsulePayload(ctx, item, capsule.PartyA)
}

func (s *Service) JoinCapsule(ctx context.Context, userID, inviteCode string) (map[string]any, error) {
	code := strings.ToUpper(strings.TrimSpace(inviteCode))
	if code == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "inviteCode is required", nil)
	}
	item, err := s.store.GetCapsuleByInviteCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if _, err := s.store.GetMemberSlot(ctx, item.ID, userID); err == nil {
		return nil, domainError(http.StatusConflict, "ALREADY_MEMBER", "You are already a member of this capsule", nil)
	}
	if err := s.store.AddCapsuleMember(ctx, store.CapsuleMember{
		CapsuleID: item.ID,
		UserID:    userID,
		Slot:      capsule.PartyB,
	}); err != nil {
		return nil, err
	}
	if s.email != nil && s.email.IsConfigured() {
		if creator, lookupErr := s.store.GetUserByID(ctx, item.CreatedBy); lookupErr == nil {
			if joiner, joinerErr := s.store.GetUserByID(ctx, userID); joinerErr == nil {
				go s.email.SendPartnerJoined(creator.Email, creator.DisplayName, joiner.DisplayName, item.Name)
			}
		}
	}
	return s.capsulePayload(ctx, item, capsule.PartyB)
}

func (s *Service) ListCapsules(ctx context.Context, userID string) (map[string]any, error) {
	capsules, err := s.store.ListCapsulesForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(capsules))
	for _, item := range capsules {
		slot, err := s.store.GetMemberSlot(ctx, item.ID, userID)
		if err != nil {
			return nil, err
		}
		members, err := s.store.CapsuleMemberCount(ctx, item.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, map[string]any{
			"id":        item.ID,
			"name":      item.Name,
			"mySlot":    string(slot),
			"paired":    members == 2,
			"createdAt": item.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"capsules": items}, nil
}

func (s *Service) GetCapsule(ctx context.Context, userID, capsuleID string) (map[string]any, error) {
	slot, err := s.requireMember(ctx, capsuleID, userID)
	if err != nil {
		return nil, err
	}
	item, err := s.store.GetCapsule(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	return s.capsulePayload(ctx, item, slot)
}

func (s *Service) StageCounts(ctx context.Context, userID, capsuleID string) (map[string]any, error) {
	if _, err := s.requireMember(ctx, capsuleID, userID); err != nil {
		return nil, err
	}
	rows, err := s.store.CountItemsByStage(ctx, capsuleID)
	if err != nil {
		return nil, err
	}
	counts := map[string]int{}
	for _, stage := range []capsule.Stage{
		capsule.StagePlanning, capsule.StageResolving, capsule.StagePendingDecision,
		capsule.StageConfirmed, capsule.StageCompleted, capsule.StageArchived,
	} {
		counts[string(stage)] = 0
	}
	for _, row := range rows {
		counts[string(row.Stage)] = row.Count
	}
	return map[string]any{
		"capsuleId": capsuleID,
		"counts":    counts,
	}, nil
}

func (s *Service) capsulePayload(ctx context.Context, item store.Capsule, viewerSlot capsule.Party) (map[string]any, error) {
	members, err := s.store.ListCapsuleMembers(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberItems = append(memberItems, map[string]any{
			"userId":      member.UserID,
			"slot":        string(member.Slot),
			"displayName": member.DisplayName,
			"joinedAt":    member.JoinedAt.Format(time.RFC3339),
		})
	}
	payload := map[string]any{
		"id":        item.ID,
		"name":      item.Name,
		"mySlot":    string(viewerSlot),
		"paired":    len(members) == 2,
		"members":   memberItems,
		"createdAt": item.CreatedAt.Format(time.RFC3339),
	}
	// Only show the invite code while the second slot is still open.
	if len(members) < 2 {
		payload["inviteCode"] = item.InviteCode
	}
	return payload, nil
}

// requireMember resolves the caller's fixed slot in a capsule. Non-members
// get a 403 rather than a 404 so a stale client can tell the difference
// between a missing capsule and one it was never part of.
func (s *Service) requireMember(ctx context.Context, capsuleID, userID string) (capsule.Party, error) {
	slot, err := s.store.GetMemberSlot(ctx, capsuleID, userID)
	if err == nil {
		return slot, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}
	if _, capErr := s.store.GetCapsule(ctx, capsuleID); capErr != nil {
		return "", capErr
	}
	return "", domainError(http.StatusForbidden, "FORBIDDEN", "You are not a member of this capsule", nil)
}
