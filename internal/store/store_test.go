package store

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/princeshiamofficial/portal-sub000/pkg/model"
)

func newMock(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db), mock
}

func TestListRecipients(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT name, phone, fields FROM contacts WHERE tenant_id = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"name", "phone", "fields"}).
			AddRow("John Doe", "15550001", []byte(`{"dob":"1995-03-14","business":"Bakery"}`)).
			AddRow("Jane", "15550002", []byte(`{}`)))

	got, err := s.ListRecipients(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Fatalf("want 2 recipients, got %d", len(got))
	}
	if got[0].Field("business") != "Bakery" || got[0].Field("dob") != "1995-03-14" {
		t.Fatalf("fields not decoded: %+v", got[0])
	}
	if got[1].Status != model.RecipientPending || got[1].Address != "15550002" {
		t.Fatalf("unexpected %+v", got[1])
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCampaignSettings_Defaults(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaign_settings WHERE tenant_id = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_campaigns WHERE tenant_id = $1`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_id", "scheduled_time", "status", "target_filter"}).
			AddRow("s1", "t1", at, "pending", []byte(`{"role":"vip"}`)).
			AddRow("s2", "t1", at, "completed", []byte(`{}`)))

	st, err := s.LoadCampaignSettings(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if st.Birthday.Kind != model.KindBirthday || st.Birthday.Active || st.Anniversary.Kind != model.KindAnniversary {
		t.Fatalf("unexpected recurring defaults %+v", st)
	}
	if len(st.Scheduled) != 2 || st.Scheduled[0].TargetFilter["role"] != "vip" || st.Scheduled[1].TargetFilter != nil {
		t.Fatalf("unexpected scheduled %+v", st.Scheduled)
	}
	if st.Scheduled[1].Status != model.ScheduledCompleted {
		t.Fatalf("status = %s", st.Scheduled[1].Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestLoadCampaignSettings_LastRun(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM campaign_settings`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"a", "b", "c", "d", "e", "f"}).
			AddRow("t1", true, "2026-03-14", "", false, nil))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM scheduled_campaigns`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"id", "template_id", "scheduled_time", "status", "target_filter"}))

	st, err := s.LoadCampaignSettings(context.Background(), "acme")
	if err != nil {
		t.Fatal(err)
	}
	if !st.Birthday.Active || st.Birthday.TemplateID != "t1" || st.Birthday.LastRunDate != "2026-03-14" {
		t.Fatalf("birthday %+v", st.Birthday)
	}
	if st.Anniversary.LastRunDate != "" {
		t.Fatalf("anniversary %+v", st.Anniversary)
	}
}

func TestSaveCampaignSettings_SkipsTerminal(t *testing.T) {
	s, mock := newMock(t)
	at := time.Date(2026, 3, 20, 9, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO campaign_settings`)).
		WithArgs("acme", "t1", true, "", false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO scheduled_campaigns`)).
		WithArgs("s1", "acme", "t2", at, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`SET status='cancelled'`)).
		WithArgs("acme", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := s.SaveCampaignSettings(context.Background(), "acme", model.CampaignSettings{
		Birthday: model.RecurringCampaign{Kind: model.KindBirthday, TemplateID: "t1", Active: true, LastRunDate: "2026-03-14"},
		Scheduled: []model.ScheduledCampaign{
			{ID: "s1", TemplateID: "t2", ScheduledTime: at, Status: model.ScheduledPending},
			{ID: "s0", TemplateID: "t2", ScheduledTime: at, Status: model.ScheduledCompleted},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestSaveCampaignSettings_RollsBack(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO campaign_settings`)).
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	if err := s.SaveCampaignSettings(context.Background(), "acme", model.CampaignSettings{}); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkScheduledCompleted_OnlyPending(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	q := regexp.QuoteMeta(`WHERE tenant_id=$2 AND id=$3 AND status='pending'`)
	mock.ExpectExec(q).WithArgs("completed", "acme", "s1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q).WithArgs("completed", "acme", "s1").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(q).WithArgs("cancelled", "acme", "s2").WillReturnResult(sqlmock.NewResult(0, 1))

	if ok, err := s.MarkScheduledCompleted(ctx, "acme", "s1"); err != nil || !ok {
		t.Fatalf("first complete: ok=%v err=%v", ok, err)
	}
	if ok, err := s.MarkScheduledCompleted(ctx, "acme", "s1"); err != nil || ok {
		t.Fatalf("second complete: ok=%v err=%v", ok, err)
	}
	if ok, err := s.CancelScheduled(ctx, "acme", "s2"); err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMarkRecurringRun(t *testing.T) {
	s, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta(`SET anniversary_last_run = EXCLUDED.anniversary_last_run`)).
		WithArgs("acme", "2026-03-14").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.MarkRecurringRun(context.Background(), "acme", model.KindAnniversary, "2026-03-14"); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRecurringRun(context.Background(), "acme", "wedding", "2026-03-14"); err == nil {
		t.Fatal("expected unknown kind error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestCredentials(t *testing.T) {
	s, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM session_credentials`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"data"}))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO session_credentials`)).
		WithArgs("acme", []byte("secret")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT data FROM session_credentials`)).
		WithArgs("acme").
		WillReturnRows(sqlmock.NewRows([]string{"data"}).AddRow([]byte("secret")))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM session_credentials`)).
		WithArgs("acme").
		WillReturnResult(sqlmock.NewResult(0, 1))

	data, err := s.LoadCredentials(ctx, "acme")
	if err != nil || data != nil {
		t.Fatalf("missing credentials: data=%v err=%v", data, err)
	}
	if err := s.SaveCredentials(ctx, "acme", []byte("secret")); err != nil {
		t.Fatal(err)
	}
	if data, err = s.LoadCredentials(ctx, "acme"); err != nil || string(data) != "secret" {
		t.Fatalf("load: data=%q err=%v", data, err)
	}
	if err := s.DeleteCredentials(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestRecordMessageLog(t *testing.T) {
	s, mock := newMock(t)
	at := time.Now()

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO message_logs`)).
		WithArgs("acme", "15550001", "t1", "failed", "rejected", at).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := s.RecordMessageLog(context.Background(), model.MessageLog{
		Tenant: "acme", Address: "15550001", TemplateID: "t1", Outcome: model.OutcomeFailed, Error: "rejected", At: at,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatal(err)
	}
}

func TestMigrate(t *testing.T) {
	s, mock := newMock(t)
	mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS tenants`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestTextArrayValue(t *testing.T) {
	v, err := textArray{"a", `b"c`, `d\e`}.Value()
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"a","b\"c","d\\e"}`; v != want {
		t.Fatalf("got %v want %s", v, want)
	}
	if v, _ := (textArray{}).Value(); v != "{}" {
		t.Fatalf("empty = %v", v)
	}
}
