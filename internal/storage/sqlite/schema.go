package sqlite

// Schema is the complete SQLite schema. All statements are idempotent so
// Open can apply it unconditionally.
const Schema = `
CREATE TABLE IF NOT EXISTS agents (
    id                        TEXT PRIMARY KEY,
    account_id                TEXT NOT NULL,
    name                      TEXT NOT NULL,
    system_prompt             TEXT NOT NULL DEFAULT '',
    reflection_prompt         TEXT NOT NULL DEFAULT '',
    memory_reflection_prompt  TEXT NOT NULL DEFAULT '',
    refinement_prompt         TEXT NOT NULL DEFAULT '',
    refinement_threshold      REAL,
    last_refinement_at        TIMESTAMP,
    created_at                TIMESTAMP NOT NULL,
    updated_at                TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_account_name
    ON agents(account_id, lower(name));

CREATE TABLE IF NOT EXISTS memories (
    id             TEXT PRIMARY KEY,
    agent_id       TEXT NOT NULL REFERENCES agents(id),
    content        TEXT NOT NULL,
    memory_type    TEXT NOT NULL CHECK (memory_type IN ('core', 'journal')),
    constitutional INTEGER NOT NULL DEFAULT 0,
    discarded_at   TIMESTAMP,
    created_at     TIMESTAMP NOT NULL,
    updated_at     TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_agent
    ON memories(agent_id, memory_type);

CREATE TABLE IF NOT EXISTS consolidation_states (
    chat_id                      TEXT NOT NULL,
    agent_id                     TEXT NOT NULL,
    state                        TEXT NOT NULL DEFAULT 'idle'
                                 CHECK (state IN ('idle', 'pending', 'running')),
    last_consolidated_at         TIMESTAMP,
    last_consolidated_message_id TEXT NOT NULL DEFAULT '',
    first_pending_at             TIMESTAMP,
    pending_messages             INTEGER NOT NULL DEFAULT 0,
    pending_tokens               INTEGER NOT NULL DEFAULT 0,
    updated_at                   TIMESTAMP NOT NULL,
    PRIMARY KEY (chat_id, agent_id)
);

CREATE TABLE IF NOT EXISTS whiteboards (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL,
    name                TEXT NOT NULL,
    summary             TEXT NOT NULL DEFAULT '',
    content             TEXT NOT NULL DEFAULT '',
    revision            INTEGER NOT NULL DEFAULT 1,
    deleted_at          TIMESTAMP,
    last_edited_at      TIMESTAMP,
    last_edited_by_kind TEXT,
    last_edited_by_id   TEXT,
    created_at          TIMESTAMP NOT NULL,
    updated_at          TIMESTAMP NOT NULL
);

-- Name uniqueness applies only among non-deleted boards: soft-deleting a
-- board frees its name for reuse.
CREATE UNIQUE INDEX IF NOT EXISTS idx_whiteboards_active_name
    ON whiteboards(account_id, lower(name)) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS chat_whiteboards (
    chat_id       TEXT PRIMARY KEY,
    whiteboard_id TEXT NOT NULL REFERENCES whiteboards(id),
    updated_at    TIMESTAMP NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL,
    action     TEXT NOT NULL,
    actor_kind TEXT NOT NULL,
    actor_id   TEXT NOT NULL,
    payload    TEXT,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent
    ON audit_records(agent_id, created_at);
`
