package conversation

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"github.com/lib/pq"

	"github.com/Vovarama1992/convo-guard/internal/identity"
	"github.com/Vovarama1992/convo-guard/internal/messages"
	"github.com/Vovarama1992/convo-guard/internal/tools"
)

type repo struct {
	db *sql.DB
}

func NewRepo(db *sql.DB) Repo {
	return &repo{db: db}
}

func (r *repo) SaveMessage(ctx context.Context, msg *Message) error {
	return r.db.QueryRowContext(ctx, `
		INSERT INTO messages (session_id, business_id, sender, text, channel)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, created_at
	`,
		msg.SessionID,
		msg.BusinessID,
		string(msg.Sender),
		msg.Text,
		string(msg.Channel),
	).Scan(&msg.ID, &msg.CreatedAt)
}

func (r *repo) GetHistory(ctx context.Context, sessionID string, limit int) ([]Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, session_id, business_id, sender, text, channel, created_at
		FROM (
			SELECT *
			FROM messages
			WHERE session_id = $1
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC
	`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Message
	for rows.Next() {
		var m Message
		var sender, channel string
		if err := rows.Scan(
			&m.ID,
			&m.SessionID,
			&m.BusinessID,
			&sender,
			&m.Text,
			&channel,
			&m.CreatedAt,
		); err != nil {
			return nil, err
		}
		m.Sender = Sender(sender)
		m.Channel = identity.Channel(channel)
		out = append(out, m)
	}

	return out, rows.Err()
}

type businessRepo struct {
	db *sql.DB
}

func NewBusinessRepo(db *sql.DB) Businesses {
	return &businessRepo{db: db}
}

func (r *businessRepo) Business(ctx context.Context, id string) (tools.Business, error) {
	var b tools.Business
	var lang string
	var phone, email sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, language, allowed_tools, support_phone, support_email
		FROM businesses
		WHERE id = $1
	`, id).Scan(
		&b.ID,
		&b.Name,
		&lang,
		pq.Array(&b.AllowedTools),
		&phone,
		&email,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return tools.Business{}, ErrUnknownBusiness
	}
	if err != nil {
		return tools.Business{}, err
	}
	b.Language = messages.ParseLanguage(strings.TrimSpace(lang))
	b.SupportPhone = phone.String
	b.SupportEmail = email.String
	return b, nil
}
