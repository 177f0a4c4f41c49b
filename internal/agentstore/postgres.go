package agentstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Schema is the SQL DDL for the agent_definitions table. Execute it via
// [PostgresStore.Migrate] or apply it manually during deployment.
const Schema = `
CREATE TABLE IF NOT EXISTS agent_definitions (
    id                   TEXT PRIMARY KEY,
    name                 TEXT NOT NULL,
    welcome_message      TEXT NOT NULL DEFAULT '',
    system_prompt        TEXT NOT NULL DEFAULT '',
    language             TEXT NOT NULL DEFAULT '',
    stt                  JSONB NOT NULL DEFAULT '{}',
    llm                  JSONB NOT NULL DEFAULT '{}',
    tts                  JSONB NOT NULL DEFAULT '{}',
    voice                JSONB NOT NULL DEFAULT '{}',
    barge_in             JSONB NOT NULL DEFAULT '{}',
    hangup_after_silence INTEGER NOT NULL DEFAULT 0,
    vocabulary           JSONB NOT NULL DEFAULT '[]',
    created_at           TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at           TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_agent_definitions_name ON agent_definitions(name);
`

// DB is the database interface used by [PostgresStore]. Both *pgxpool.Pool
// and *pgx.Conn satisfy this interface.
type DB interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PostgresStore is a [Store] backed by a PostgreSQL database. It serialises
// structured sub-fields (provider refs, voice, barge-in) as JSONB.
type PostgresStore struct {
	db DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a new [PostgresStore] that uses the given database
// connection or pool. The caller is responsible for calling
// [PostgresStore.Migrate] to ensure the schema exists before issuing queries.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate executes the [Schema] DDL against the database, creating the
// agent_definitions table and index if they do not already exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.Exec(ctx, Schema)
	if err != nil {
		return fmt.Errorf("agentstore: migrate: %w", err)
	}
	return nil
}

// jsonbFields holds the serialised JSONB column values for one definition.
type jsonbFields struct {
	stt, llm, tts, voice, bargeIn, vocab []byte
}

// encodeJSONB serialises the structured sub-fields of def.
func encodeJSONB(def *Definition) (jsonbFields, error) {
	var f jsonbFields
	var err error
	if f.stt, err = json.Marshal(def.STT); err != nil {
		return f, fmt.Errorf("agentstore: marshal stt: %w", err)
	}
	if f.llm, err = json.Marshal(def.LLM); err != nil {
		return f, fmt.Errorf("agentstore: marshal llm: %w", err)
	}
	if f.tts, err = json.Marshal(def.TTS); err != nil {
		return f, fmt.Errorf("agentstore: marshal tts: %w", err)
	}
	if f.voice, err = json.Marshal(def.Voice); err != nil {
		return f, fmt.Errorf("agentstore: marshal voice: %w", err)
	}
	if f.bargeIn, err = json.Marshal(def.BargeIn); err != nil {
		return f, fmt.Errorf("agentstore: marshal barge_in: %w", err)
	}
	if f.vocab, err = json.Marshal(emptySlice(def.Vocabulary)); err != nil {
		return f, fmt.Errorf("agentstore: marshal vocabulary: %w", err)
	}
	return f, nil
}

// decodeJSONB deserialises the JSONB columns into the corresponding
// [Definition] fields.
func decodeJSONB(def *Definition, stt, llm, tts, voice, bargeIn, vocab []byte) error {
	if err := json.Unmarshal(stt, &def.STT); err != nil {
		return fmt.Errorf("agentstore: unmarshal stt: %w", err)
	}
	if err := json.Unmarshal(llm, &def.LLM); err != nil {
		return fmt.Errorf("agentstore: unmarshal llm: %w", err)
	}
	if err := json.Unmarshal(tts, &def.TTS); err != nil {
		return fmt.Errorf("agentstore: unmarshal tts: %w", err)
	}
	if err := json.Unmarshal(voice, &def.Voice); err != nil {
		return fmt.Errorf("agentstore: unmarshal voice: %w", err)
	}
	if err := json.Unmarshal(bargeIn, &def.BargeIn); err != nil {
		return fmt.Errorf("agentstore: unmarshal barge_in: %w", err)
	}
	if err := json.Unmarshal(vocab, &def.Vocabulary); err != nil {
		return fmt.Errorf("agentstore: unmarshal vocabulary: %w", err)
	}
	return nil
}

// Create inserts a new agent definition. It validates the definition and
// returns an error if an agent with the same ID already exists.
func (s *PostgresStore) Create(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	f, err := encodeJSONB(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO agent_definitions (
			id, name, welcome_message, system_prompt, language,
			stt, llm, tts, voice, barge_in,
			hangup_after_silence, vocabulary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, def.WelcomeMessage, def.SystemPrompt, def.Language,
		f.stt, f.llm, f.tts, f.voice, f.bargeIn,
		def.HangupAfterSilenceSec, f.vocab,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return fmt.Errorf("agentstore: agent with id %q already exists", def.ID)
		}
		return fmt.Errorf("agentstore: create: %w", err)
	}
	return nil
}

// Get retrieves an agent definition by ID. It returns (nil, nil) if no agent
// with the given ID exists.
func (s *PostgresStore) Get(ctx context.Context, id string) (*Definition, error) {
	const query = `
		SELECT id, name, welcome_message, system_prompt, language,
		       stt, llm, tts, voice, barge_in,
		       hangup_after_silence, vocabulary, created_at, updated_at
		FROM agent_definitions
		WHERE id = $1`

	var def Definition
	var sttJSON, llmJSON, ttsJSON, voiceJSON, bargeJSON, vocabJSON []byte

	err := s.db.QueryRow(ctx, query, id).Scan(
		&def.ID, &def.Name, &def.WelcomeMessage, &def.SystemPrompt, &def.Language,
		&sttJSON, &llmJSON, &ttsJSON, &voiceJSON, &bargeJSON,
		&def.HangupAfterSilenceSec, &vocabJSON, &def.CreatedAt, &def.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("agentstore: get %q: %w", id, err)
	}

	if err := decodeJSONB(&def, sttJSON, llmJSON, ttsJSON, voiceJSON, bargeJSON, vocabJSON); err != nil {
		return nil, err
	}
	return &def, nil
}

// Update replaces an existing agent definition. It validates the new
// definition and returns an error if the agent is not found.
func (s *PostgresStore) Update(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	f, err := encodeJSONB(def)
	if err != nil {
		return err
	}

	const query = `
		UPDATE agent_definitions SET
			name = $2, welcome_message = $3, system_prompt = $4, language = $5,
			stt = $6, llm = $7, tts = $8, voice = $9, barge_in = $10,
			hangup_after_silence = $11, vocabulary = $12, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, def.WelcomeMessage, def.SystemPrompt, def.Language,
		f.stt, f.llm, f.tts, f.voice, f.bargeIn,
		def.HangupAfterSilenceSec, f.vocab,
	).Scan(&def.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("agentstore: agent with id %q not found", def.ID)
		}
		return fmt.Errorf("agentstore: update: %w", err)
	}
	return nil
}

// Delete removes an agent definition by ID. Deleting a non-existent agent is
// not an error.
func (s *PostgresStore) Delete(ctx context.Context, id string) error {
	const query = `DELETE FROM agent_definitions WHERE id = $1`
	_, err := s.db.Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("agentstore: delete %q: %w", id, err)
	}
	return nil
}

// List returns all agent definitions ordered by name.
func (s *PostgresStore) List(ctx context.Context) ([]Definition, error) {
	const query = `
		SELECT id, name, welcome_message, system_prompt, language,
		       stt, llm, tts, voice, barge_in,
		       hangup_after_silence, vocabulary, created_at, updated_at
		FROM agent_definitions
		ORDER BY name`

	rows, err := s.db.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	defer rows.Close()

	var defs []Definition
	for rows.Next() {
		var def Definition
		var sttJSON, llmJSON, ttsJSON, voiceJSON, bargeJSON, vocabJSON []byte

		if err := rows.Scan(
			&def.ID, &def.Name, &def.WelcomeMessage, &def.SystemPrompt, &def.Language,
			&sttJSON, &llmJSON, &ttsJSON, &voiceJSON, &bargeJSON,
			&def.HangupAfterSilenceSec, &vocabJSON, &def.CreatedAt, &def.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("agentstore: list scan: %w", err)
		}

		if err := decodeJSONB(&def, sttJSON, llmJSON, ttsJSON, voiceJSON, bargeJSON, vocabJSON); err != nil {
			return nil, err
		}
		defs = append(defs, def)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("agentstore: list: %w", err)
	}
	return defs, nil
}

// Upsert creates or replaces an agent definition. This is useful for seeding
// definitions from YAML config files. The definition is validated before
// persistence.
func (s *PostgresStore) Upsert(ctx context.Context, def *Definition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	f, err := encodeJSONB(def)
	if err != nil {
		return err
	}

	const query = `
		INSERT INTO agent_definitions (
			id, name, welcome_message, system_prompt, language,
			stt, llm, tts, voice, barge_in,
			hangup_after_silence, vocabulary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			welcome_message = EXCLUDED.welcome_message,
			system_prompt = EXCLUDED.system_prompt,
			language = EXCLUDED.language,
			stt = EXCLUDED.stt,
			llm = EXCLUDED.llm,
			tts = EXCLUDED.tts,
			voice = EXCLUDED.voice,
			barge_in = EXCLUDED.barge_in,
			hangup_after_silence = EXCLUDED.hangup_after_silence,
			vocabulary = EXCLUDED.vocabulary,
			updated_at = now()
		RETURNING created_at, updated_at`

	err = s.db.QueryRow(ctx, query,
		def.ID, def.Name, def.WelcomeMessage, def.SystemPrompt, def.Language,
		f.stt, f.llm, f.tts, f.voice, f.bargeIn,
		def.HangupAfterSilenceSec, f.vocab,
	).Scan(&def.CreatedAt, &def.UpdatedAt)
	if err != nil {
		return fmt.Errorf("agentstore: upsert: %w", err)
	}
	return nil
}

// emptySlice returns s if non-nil, otherwise an empty non-nil slice. This
// ensures JSON marshalling produces "[]" instead of "null".
func emptySlice(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// isDuplicateKeyError checks whether a PostgreSQL error is a unique-violation
// (SQLSTATE 23505).
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}
