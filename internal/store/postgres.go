package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"clo/api/internal/capsule"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_email_verified, verification_token)
		VALUES ($1, $2, LOWER($3), $4, $5, $6)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsEmailVerified, user.VerificationToken)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_email_verified
		FROM users WHERE email=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) UpdateUserVerificationToken(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET verification_token=$2, verification_expires_at=$3, updated_at=NOW()
		WHERE id=$1
	`, userID, token, expiresAt)
	if err != nil {
		return fmt.Errorf("set verification token: %w", err)
	}
	return nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND verification_expires_at > NOW()
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) UpdateUserPassword(ctx context.Context, userID, passwordHash string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1
	`, userID, passwordHash)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreatePasswordReset(ctx context.Context, userID, token string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO password_resets (token, user_id, expires_at)
		VALUES ($1, $2, $3)
	`, token, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("create password reset: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPasswordReset(ctx context.Context, token string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM password_resets
		WHERE token=$1 AND used_at IS NULL AND expires_at > NOW()
	`, token).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) MarkPasswordResetUsed(ctx context.Context, token string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE password_resets SET used_at=NOW() WHERE token=$1`, token)
	if err != nil {
		return fmt.Errorf("mark password reset used: %w", err)
	}
	return nil
}

// ---- sessions (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.is_email_verified
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- capsules and membership ----

func (s *PostgresStore) InsertCapsule(ctx context.Context, item Capsule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capsules (id, name, invite_code, created_by)
		VALUES ($1, $2, $3, $4)
	`, item.ID, item.Name, item.InviteCode, item.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert capsule: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCapsule(ctx context.Context, capsuleID string) (Capsule, error) {
	var item Capsule
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, invite_code, created_by, created_at
		FROM capsules WHERE id=$1
	`, capsuleID).Scan(&item.ID, &item.Name, &item.InviteCode, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Capsule{}, err
	}
	return item, nil
}

// GetCapsuleByInviteCode resolves an invite code only while the capsule still
// has an open slot.
func (s *PostgresStore) GetCapsuleByInviteCode(ctx context.Context, inviteCode string) (Capsule, error) {
	var item Capsule
	err := s.db.QueryRowContext(ctx, `
		SELECT c.id, c.name, c.invite_code, c.created_by, c.created_at
		FROM capsules c
		WHERE c.invite_code=$1
			AND (SELECT COUNT(*) FROM capsule_members m WHERE m.capsule_id=c.id) < 2
	`, inviteCode).Scan(&item.ID, &item.Name, &item.InviteCode, &item.CreatedBy, &item.CreatedAt)
	if err != nil {
		return Capsule{}, err
	}
	return item, nil
}

func (s *PostgresStore) AddCapsuleMember(ctx context.Context, member CapsuleMember) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO capsule_members (capsule_id, user_id, slot)
		VALUES ($1, $2, $3)
	`, member.CapsuleID, member.UserID, string(member.Slot))
	if err != nil {
		return fmt.Errorf("add capsule member: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetMemberSlot(ctx context.Context, capsuleID, userID string) (capsule.Party, error) {
	var slot string
	err := s.db.QueryRowContext(ctx, `
		SELECT slot FROM capsule_members WHERE capsule_id=$1 AND user_id=$2
	`, capsuleID, userID).Scan(&slot)
	if err != nil {
		return "", err
	}
	return capsule.Party(slot), nil
}

func (s *PostgresStore) CapsuleMemberCount(ctx context.Context, capsuleID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM capsule_members WHERE capsule_id=$1`, capsuleID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count capsule members: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) ListCapsuleMembers(ctx context.Context, capsuleID string) ([]CapsuleMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.capsule_id, m.user_id, m.slot, u.display_name, m.joined_at
		FROM capsule_members m
		JOIN users u ON u.id = m.user_id
		WHERE m.capsule_id=$1
		ORDER BY m.slot
	`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("list capsule members: %w", err)
	}
	defer rows.Close()

	members := make([]CapsuleMember, 0, 2)
	for rows.Next() {
		var member CapsuleMember
		var slot string
		if err := rows.Scan(&member.CapsuleID, &member.UserID, &slot, &member.DisplayName, &member.JoinedAt); err != nil {
			return nil, fmt.Errorf("scan capsule member: %w", err)
		}
		member.Slot = capsule.Party(slot)
		members = append(members, member)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capsule members: %w", err)
	}
	return members, nil
}

func (s *PostgresStore) ListCapsulesForUser(ctx context.Context, userID string) ([]Capsule, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT c.id, c.name, c.invite_code, c.created_by, c.created_at
		FROM capsules c
		JOIN capsule_members m ON m.capsule_id = c.id
		WHERE m.user_id=$1
		ORDER BY c.created_at DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list capsules: %w", err)
	}
	defer rows.Close()

	items := make([]Capsule, 0)
	for rows.Next() {
		var item Capsule
		if err := rows.Scan(&item.ID, &item.Name, &item.InviteCode, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan capsule: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate capsules: %w", err)
	}
	return items, nil
}

// ---- relationship items ----

const itemColumns = `
	id, capsule_id, title, description, category, stage,
	vote_a, vote_b,
	feeling_a, need_a, willing_a, compromise_a,
	feeling_b, need_b, willing_b, compromise_b,
	confirmed_by_a, confirmed_by_b,
	resolution_notes, created_by, created_at, confirmed_at, completed_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(row rowScanner) (RelationshipItem, error) {
	var item RelationshipItem
	var stage, voteA, voteB, createdBy string
	err := row.Scan(
		&item.ID, &item.CapsuleID, &item.Title, &item.Description, &item.Category, &stage,
		&voteA, &voteB,
		&item.FeelingA, &item.NeedA, &item.WillingA, &item.CompromiseA,
		&item.FeelingB, &item.NeedB, &item.WillingB, &item.CompromiseB,
		&item.ConfirmedByA, &item.ConfirmedByB,
		&item.ResolutionNotes, &createdBy, &item.CreatedAt, &item.ConfirmedAt, &item.CompletedAt, &item.UpdatedAt,
	)
	if err != nil {
		return RelationshipItem{}, err
	}
	item.Stage = capsule.Stage(stage)
	item.VoteA = capsule.Vote(voteA)
	item.VoteB = capsule.Vote(voteB)
	item.CreatedBy = capsule.Party(createdBy)
	return item, nil
}

func (s *PostgresStore) InsertItem(ctx context.Context, item RelationshipItem) (RelationshipItem, error) {
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO relationship_items (id, capsule_id, title, description, category, stage, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING`+itemColumns+`
	`, item.ID, item.CapsuleID, item.Title, item.Description, item.Category, string(item.Stage), string(item.CreatedBy))
	inserted, err := scanItem(row)
	if err != nil {
		return RelationshipItem{}, fmt.Errorf("insert item: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetItem(ctx context.Context, itemID string) (RelationshipItem, error) {
	row := s.db.QueryRowContext(ctx, `SELECT`+itemColumns+` FROM relationship_items WHERE id=$1`, itemID)
	return scanItem(row)
}

func (s *PostgresStore) ListItems(ctx context.Context, capsuleID string, stage capsule.Stage) ([]RelationshipItem, error) {
	query := `SELECT` + itemColumns + ` FROM relationship_items WHERE capsule_id=$1`
	args := []any{capsuleID}
	if stage != "" {
		query += ` AND stage=$2`
		args = append(args, string(stage))
	}
	query += ` ORDER BY created_at DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()

	items := make([]RelationshipItem, 0)
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate items: %w", err)
	}
	return items, nil
}

// UpdateItemFields applies only the columns named by the change as a single
// UPDATE statement. Unnamed columns are never part of the statement, so two
// parties writing their own flags concurrently cannot overwrite each other.
func (s *PostgresStore) UpdateItemFields(ctx context.Context, itemID string, change ItemFieldChange) (RelationshipItem, error) {
	sets := []string{"updated_at=NOW()"}
	args := []any{itemID}
	n := 2
	set := func(column string, value any) {
		sets = append(sets, fmt.Sprintf("%s=$%d", column, n))
		args = append(args, value)
		n++
	}

	if change.Title != nil {
		set("title", *change.Title)
	}
	if change.Description != nil {
		set("description", *change.Description)
	}
	if change.Category != nil {
		set("category", *change.Category)
	}
	if change.Stage != nil {
		set("stage", string(*change.Stage))
	}
	if change.VoteA != nil {
		set("vote_a", string(*change.VoteA))
	}
	if change.VoteB != nil {
		set("vote_b", string(*change.VoteB))
	}
	if change.FeelingA != nil {
		set("feeling_a", *change.FeelingA)
	}
	if change.NeedA != nil {
		set("need_a", *change.NeedA)
	}
	if change.WillingA != nil {
		set("willing_a", *change.WillingA)
	}
	if change.CompromiseA != nil {
		set("compromise_a", *change.CompromiseA)
	}
	if change.FeelingB != nil {
		set("feeling_b", *change.FeelingB)
	}
	if change.NeedB != nil {
		set("need_b", *change.NeedB)
	}
	if change.WillingB != nil {
		set("willing_b", *change.WillingB)
	}
	if change.CompromiseB != nil {
		set("compromise_b", *change.CompromiseB)
	}
	if change.ConfirmedByA != nil {
		set("confirmed_by_a", *change.ConfirmedByA)
	}
	if change.ConfirmedByB != nil {
		set("confirmed_by_b", *change.ConfirmedByB)
	}
	if change.ResolutionNotes != nil {
		set("resolution_notes", *change.ResolutionNotes)
	}
	if change.ConfirmedAt != nil {
		set("confirmed_at", *change.ConfirmedAt)
	}
	if change.CompletedAt != nil {
		set("completed_at", *change.CompletedAt)
	}

	query := `UPDATE relationship_items SET ` + strings.Join(sets, ", ") + ` WHERE id=$1 RETURNING` + itemColumns
	row := s.db.QueryRowContext(ctx, query, args...)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RelationshipItem{}, err
	}
	if err != nil {
		return RelationshipItem{}, fmt.Errorf("update item fields: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) CountItemsByStage(ctx context.Context, capsuleID string) ([]StageCount, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT stage, COUNT(*)
		FROM relationship_items
		WHERE capsule_id=$1
		GROUP BY stage
		ORDER BY stage
	`, capsuleID)
	if err != nil {
		return nil, fmt.Errorf("count items by stage: %w", err)
	}
	defer rows.Close()

	counts := make([]StageCount, 0, 6)
	for rows.Next() {
		var row StageCount
		var stage string
		if err := rows.Scan(&stage, &row.Count); err != nil {
			return nil, fmt.Errorf("scan stage count: %w", err)
		}
		row.Stage = capsule.Stage(stage)
		counts = append(counts, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stage counts: %w", err)
	}
	return counts, nil
}

// ---- item events ----

func (s *PostgresStore) InsertItemEvent(ctx context.Context, event ItemEvent) (ItemEvent, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO item_events (item_id, capsule_id, actor_slot, action, from_stage, to_stage, note)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, created_at
	`, event.ItemID, event.CapsuleID, string(event.Actor), event.Action, string(event.FromStage), string(event.ToStage), event.Note).
		Scan(&event.ID, &event.CreatedAt)
	if err != nil {
		return ItemEvent{}, fmt.Errorf("insert item event: %w", err)
	}
	return event, nil
}

func (s *PostgresStore) ListItemEvents(ctx context.Context, itemID string) ([]ItemEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, capsule_id, actor_slot, action, from_stage, to_stage, note, created_at
		FROM item_events
		WHERE item_id=$1
		ORDER BY id
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list item events: %w", err)
	}
	defer rows.Close()

	events := make([]ItemEvent, 0)
	for rows.Next() {
		var event ItemEvent
		var actor, fromStage, toStage string
		if err := rows.Scan(&event.ID, &event.ItemID, &event.CapsuleID, &actor, &event.Action, &fromStage, &toStage, &event.Note, &event.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan item event: %w", err)
		}
		event.Actor = capsule.Party(actor)
		event.FromStage = capsule.Stage(fromStage)
		event.ToStage = capsule.Stage(toStage)
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate item events: %w", err)
	}
	return events, nil
}

// ---- attachments ----

func (s *PostgresStore) InsertAttachment(ctx context.Context, attachment Attachment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO item_attachments (id, item_id, object_key, file_name, mime_type, size_bytes, uploaded_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, attachment.ID, attachment.ItemID, attachment.ObjectKey, attachment.FileName, attachment.MimeType, attachment.SizeBytes, string(attachment.UploadedBy))
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAttachments(ctx context.Context, itemID string) ([]Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, item_id, object_key, file_name, mime_type, size_bytes, uploaded_by, created_at
		FROM item_attachments
		WHERE item_id=$1
		ORDER BY created_at
	`, itemID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	defer rows.Close()

	attachments := make([]Attachment, 0)
	for rows.Next() {
		var attachment Attachment
		var uploadedBy string
		if err := rows.Scan(&attachment.ID, &attachment.ItemID, &attachment.ObjectKey, &attachment.FileName, &attachment.MimeType, &attachment.SizeBytes, &uploadedBy, &attachment.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attachment: %w", err)
		}
		attachment.UploadedBy = capsule.Party(uploadedBy)
		attachments = append(attachments, attachment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attachments: %w", err)
	}
	return attachments, nil
}
