package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

//go:embed schema.sql
var schema string

type Store struct {
	DB *sql.DB
}

func New(db *sql.DB) *Store { return &Store{DB: db} }

func (s *Store) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.DB.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// Migrate creates missing tables. It is safe to run on every start.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.DB.ExecContext(ctx, schema)
	return err
}

func (s *Store) ListTenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM tenants ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ListRecipients returns the tenant's contacts in list order, all Pending.
func (s *Store) ListRecipients(ctx context.Context, tenant string) ([]model.Recipient, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT name, phone, fields
		FROM contacts
		WHERE tenant_id = $1
		ORDER BY position, id
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Recipient
	for rows.Next() {
		var (
			r      model.Recipient
			fields []byte
		)
		if err := rows.Scan(&r.DisplayName, &r.Address, &fields); err != nil {
			return nil, err
		}
		if len(fields) > 0 {
			if err := json.Unmarshal(fields, &r.Fields); err != nil {
				return nil, fmt.Errorf("contact %s fields: %w", r.Address, err)
			}
		}
		r.Status = model.RecipientPending
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *Store) ListTemplates(ctx context.Context, tenant string) (map[string]model.Template, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, body, media_ref, media_caption
		FROM templates
		WHERE tenant_id = $1
	`, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]model.Template{}
	for rows.Next() {
		var t model.Template
		if err := rows.Scan(&t.ID, &t.Body, &t.MediaRef, &t.MediaCaption); err != nil {
			return nil, err
		}
		out[t.ID] = t
	}
	return out, rows.Err()
}

// LoadCampaignSettings returns defaults (both kinds inactive) for a tenant
// that never saved settings.
func (s *Store) LoadCampaignSettings(ctx context.Context, tenant string) (model.CampaignSettings, error) {
	st := model.CampaignSettings{
		Birthday:    model.RecurringCampaign{Kind: model.KindBirthday},
		Anniversary: model.RecurringCampaign{Kind: model.KindAnniversary},
		Scheduled:   []model.ScheduledCampaign{},
	}
	var bLast, aLast sql.NullString
	err := s.DB.QueryRowContext(ctx, `
		SELECT birthday_template_id, birthday_active, to_char(birthday_last_run, 'YYYY-MM-DD'),
		       anniversary_template_id, anniversary_active, to_char(anniversary_last_run, 'YYYY-MM-DD')
		FROM campaign_settings
		WHERE tenant_id = $1
	`, tenant).Scan(&st.Birthday.TemplateID, &st.Birthday.Active, &bLast,
		&st.Anniversary.TemplateID, &st.Anniversary.Active, &aLast)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return model.CampaignSettings{}, err
	}
	st.Birthday.LastRunDate = bLast.String
	st.Anniversary.LastRunDate = aLast.String

	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, template_id, scheduled_time, status, target_filter
		FROM scheduled_campaigns
		WHERE tenant_id = $1
		ORDER BY scheduled_time, id
	`, tenant)
	if err != nil {
		return model.CampaignSettings{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			c      model.ScheduledCampaign
			status string
			filter []byte
		)
		if err := rows.Scan(&c.ID, &c.TemplateID, &c.ScheduledTime, &status, &filter); err != nil {
			return model.CampaignSettings{}, err
		}
		c.Status = model.ScheduledStatus(status)
		if len(filter) > 0 {
			if err := json.Unmarshal(filter, &c.TargetFilter); err != nil {
				return model.CampaignSettings{}, fmt.Errorf("scheduled campaign %s filter: %w", c.ID, err)
			}
			if len(c.TargetFilter) == 0 {
				c.TargetFilter = nil
			}
		}
		st.Scheduled = append(st.Scheduled, c)
	}
	if err := rows.Err(); err != nil {
		return model.CampaignSettings{}, err
	}
	return st, nil
}

// SaveCampaignSettings writes the recurring configuration and the pending
// scheduled campaigns. Last-run dates are owned by MarkRecurringRun and never
// written here. Terminal scheduled campaigns are left untouched; pending ones
// missing from settings are cancelled.
func (s *Store) SaveCampaignSettings(ctx context.Context, tenant string, st model.CampaignSettings) error {
	return s.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO campaign_settings
			  (tenant_id, birthday_template_id, birthday_active, anniversary_template_id, anniversary_active, updated_at)
			VALUES ($1,$2,$3,$4,$5,NOW())
			ON CONFLICT (tenant_id) DO UPDATE SET
			  birthday_template_id    = EXCLUDED.birthday_template_id,
			  birthday_active         = EXCLUDED.birthday_active,
			  anniversary_template_id = EXCLUDED.anniversary_template_id,
			  anniversary_active      = EXCLUDED.anniversary_active,
			  updated_at              = NOW()
		`, tenant, st.Birthday.TemplateID, st.Birthday.Active, st.Anniversary.TemplateID, st.Anniversary.Active); err != nil {
			return err
		}

		ids := make(textArray, 0, len(st.Scheduled))
		for _, c := range st.Scheduled {
			ids = append(ids, c.ID)
			if c.Status.Terminal() {
				continue
			}
			filter, err := json.Marshal(c.TargetFilter)
			if err != nil {
				return err
			}
			if c.TargetFilter == nil {
				filter = []byte("{}")
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO scheduled_campaigns (id, tenant_id, template_id, scheduled_time, status, target_filter)
				VALUES ($1,$2,$3,$4,'pending',$5)
				ON CONFLICT (id) DO UPDATE SET
				  template_id    = EXCLUDED.template_id,
				  scheduled_time = EXCLUDED.scheduled_time,
				  target_filter  = EXCLUDED.target_filter
				WHERE scheduled_campaigns.tenant_id = EXCLUDED.tenant_id
				  AND scheduled_campaigns.status = 'pending'
			`, c.ID, tenant, c.TemplateID, c.ScheduledTime, filter); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE scheduled_campaigns
			   SET status='cancelled', finished_at=NOW()
			 WHERE tenant_id=$1 AND status='pending' AND NOT (id = ANY($2))
		`, tenant, ids)
		return err
	})
}

var lastRunColumn = map[model.CampaignKind]string{
	model.KindBirthday:    "birthday_last_run",
	model.KindAnniversary: "anniversary_last_run",
}

// MarkRecurringRun records date ("2006-01-02") as the kind's last run.
func (s *Store) MarkRecurringRun(ctx context.Context, tenant string, kind model.CampaignKind, date string) error {
	col, ok := lastRunColumn[kind]
	if !ok {
		return fmt.Errorf("unknown campaign kind %q", kind)
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO campaign_settings (tenant_id, `+col+`)
		VALUES ($1, $2::date)
		ON CONFLICT (tenant_id) DO UPDATE SET `+col+` = EXCLUDED.`+col, tenant, date)
	return err
}

func (s *Store) finishScheduled(ctx context.Context, tenant, id string, status model.ScheduledStatus) (bool, error) {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE scheduled_campaigns
		   SET status=$1, finished_at=NOW()
		 WHERE tenant_id=$2 AND id=$3 AND status='pending'
	`, string(status), tenant, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *Store) MarkScheduledCompleted(ctx context.Context, tenant, id string) (bool, error) {
	return s.finishScheduled(ctx, tenant, id, model.ScheduledCompleted)
}

func (s *Store) CancelScheduled(ctx context.Context, tenant, id string) (bool, error) {
	return s.finishScheduled(ctx, tenant, id, model.ScheduledCancelled)
}

func (s *Store) RecordMessageLog(ctx context.Context, l model.MessageLog) error {
	var lastErr any
	if l.Error != "" {
		lastErr = l.Error
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO message_logs (tenant_id, address, template_id, outcome, last_error, sent_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, l.Tenant, l.Address, l.TemplateID, string(l.Outcome), lastErr, l.At)
	return err
}

func (s *Store) LoadCredentials(ctx context.Context, tenant string) ([]byte, error) {
	var data []byte
	err := s.DB.QueryRowContext(ctx, `SELECT data FROM session_credentials WHERE tenant_id=$1`, tenant).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *Store) SaveCredentials(ctx context.Context, tenant string, data []byte) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO session_credentials (tenant_id, data, updated_at)
		VALUES ($1,$2,NOW())
		ON CONFLICT (tenant_id) DO UPDATE SET data = EXCLUDED.data, updated_at = NOW()
	`, tenant, data)
	return err
}

func (s *Store) DeleteCredentials(ctx context.Context, tenant string) error {
	_, err := s.DB.ExecContext(ctx, `DELETE FROM session_credentials WHERE tenant_id=$1`, tenant)
	return err
}

func (s *Store) ListCredentialTenants(ctx context.Context) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT tenant_id FROM session_credentials ORDER BY tenant_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// textArray encodes a Postgres text[] literal.
type textArray []string

func (a textArray) Value() (driver.Value, error) {
	if len(a) == 0 {
		return "{}", nil
	}
	var b strings.Builder
	b.WriteByte('{')
	for i, v := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('"')
		b.WriteString(strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v))
		b.WriteByte('"')
	}
	b.WriteByte('}')
	return b.String(), nil
}
