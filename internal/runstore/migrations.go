package runstore

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id TEXT PRIMARY KEY,
    platform_id TEXT NOT NULL,
    company TEXT NOT NULL,
    name TEXT NOT NULL,
    status TEXT NOT NULL,
    start_date TIMESTAMP NOT NULL,
    end_date TIMESTAMP,
    is_connected BOOLEAN DEFAULT FALSE,
    is_updated BOOLEAN DEFAULT FALSE,
    url TEXT,
    export_path TEXT,
    export_size INTEGER DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_runs_platform_id ON runs(platform_id);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS run_logs (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    run_id TEXT NOT NULL REFERENCES runs(id) ON DELETE CASCADE,
    message TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_run_logs_run_id ON run_logs(run_id);
`
