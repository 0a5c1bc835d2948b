package postgres

// Schema is the complete Postgres schema. The pgvector extension backs the
// optional embedding column used for similarity-assisted memory search; the
// substring search path works without any embeddings present.
const Schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS agents (
    id                        TEXT PRIMARY KEY,
    account_id                TEXT NOT NULL,
    name                      TEXT NOT NULL,
    system_prompt             TEXT NOT NULL DEFAULT '',
    reflection_prompt         TEXT NOT NULL DEFAULT '',
    memory_reflection_prompt  TEXT NOT NULL DEFAULT '',
    refinement_prompt         TEXT NOT NULL DEFAULT '',
    refinement_threshold      DOUBLE PRECISION,
    last_refinement_at        TIMESTAMPTZ,
    created_at                TIMESTAMPTZ NOT NULL,
    updated_at                TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_agents_account_name
    ON agents(account_id, lower(name));

CREATE TABLE IF NOT EXISTS memories (
    id             TEXT PRIMARY KEY,
    agent_id       TEXT NOT NULL REFERENCES agents(id),
    content        TEXT NOT NULL,
    memory_type    TEXT NOT NULL CHECK (memory_type IN ('core', 'journal')),
    constitutional BOOLEAN NOT NULL DEFAULT FALSE,
    discarded_at   TIMESTAMPTZ,
    embedding      vector(768),
    created_at     TIMESTAMPTZ NOT NULL,
    updated_at     TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_memories_agent
    ON memories(agent_id, memory_type);

CREATE TABLE IF NOT EXISTS consolidation_states (
    chat_id                      TEXT NOT NULL,
    agent_id                     TEXT NOT NULL,
    state                        TEXT NOT NULL DEFAULT 'idle'
                                 CHECK (state IN ('idle', 'pending', 'running')),
    last_consolidated_at         TIMESTAMPTZ,
    last_consolidated_message_id TEXT NOT NULL DEFAULT '',
    first_pending_at             TIMESTAMPTZ,
    pending_messages             INTEGER NOT NULL DEFAULT 0,
    pending_tokens               INTEGER NOT NULL DEFAULT 0,
    updated_at                   TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (chat_id, agent_id)
);

CREATE TABLE IF NOT EXISTS whiteboards (
    id                  TEXT PRIMARY KEY,
    account_id          TEXT NOT NULL,
    name                TEXT NOT NULL,
    summary             TEXT NOT NULL DEFAULT '',
    content             TEXT NOT NULL DEFAULT '',
    revision            INTEGER NOT NULL DEFAULT 1,
    deleted_at          TIMESTAMPTZ,
    last_edited_at      TIMESTAMPTZ,
    last_edited_by_kind TEXT,
    last_edited_by_id   TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    updated_at          TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_whiteboards_active_name
    ON whiteboards(account_id, lower(name)) WHERE deleted_at IS NULL;

CREATE TABLE IF NOT EXISTS chat_whiteboards (
    chat_id       TEXT PRIMARY KEY,
    whiteboard_id TEXT NOT NULL REFERENCES whiteboards(id),
    updated_at    TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
    id         TEXT PRIMARY KEY,
    agent_id   TEXT NOT NULL,
    action     TEXT NOT NULL,
    actor_kind TEXT NOT NULL,
    actor_id   TEXT NOT NULL,
    payload    JSONB,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_audit_agent
    ON audit_records(agent_id, created_at);
`
