package db

// Schema creates the tables used by the worker. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS kpi_snapshots (
	kpi_id       TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	description  TEXT,
	unit         TEXT,
	value        DOUBLE PRECISION,
	date_range   TEXT NOT NULL DEFAULT '',
	updated_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS notification_preferences (
	id                 UUID PRIMARY KEY,
	owner              TEXT NOT NULL,
	kpi_id             TEXT NOT NULL,
	threshold_value    DOUBLE PRECISION NOT NULL,
	threshold_operator TEXT NOT NULL,
	email              TEXT NOT NULL,
	enabled            BOOLEAN NOT NULL DEFAULT TRUE,
	cooldown_hours     INTEGER NOT NULL CHECK (cooldown_hours >= 1),
	date_range         TEXT NOT NULL DEFAULT '',
	alert_frequency    TEXT NOT NULL DEFAULT 'daily',
	last_notified      TIMESTAMPTZ,
	created_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_notification_preferences_kpi
	ON notification_preferences (kpi_id);
CREATE INDEX IF NOT EXISTS idx_notification_preferences_owner_kpi
	ON notification_preferences (owner, kpi_id);

CREATE TABLE IF NOT EXISTS notification_history (
	id                 UUID PRIMARY KEY,
	preference_id      UUID NOT NULL,
	owner              TEXT NOT NULL,
	kpi_id             TEXT NOT NULL,
	kpi_name           TEXT NOT NULL,
	actual_value       DOUBLE PRECISION NOT NULL,
	threshold_value    DOUBLE PRECISION NOT NULL,
	threshold_operator TEXT NOT NULL,
	date_range         TEXT NOT NULL DEFAULT '',
	email              TEXT NOT NULL,
	sent_at            TIMESTAMPTZ NOT NULL,
	success            BOOLEAN NOT NULL,
	error              TEXT
);

CREATE INDEX IF NOT EXISTS idx_notification_history_sent_at
	ON notification_history (sent_at DESC);
`
