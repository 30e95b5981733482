package postgres

// schema is applied on open; every statement is idempotent
const schema = `
CREATE TABLE IF NOT EXISTS ids (
	entity_set_id   UUID        NOT NULL,
	id              UUID        NOT NULL,
	partition       INTEGER     NOT NULL,
	version         BIGINT      NOT NULL,
	versions        BIGINT[]    NOT NULL DEFAULT '{}',
	linking_id      UUID,
	last_write      TIMESTAMPTZ NOT NULL,
	last_index      TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
	last_link       TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
	last_link_index TIMESTAMPTZ NOT NULL DEFAULT to_timestamp(0),
	PRIMARY KEY (entity_set_id, id)
);

CREATE INDEX IF NOT EXISTS ids_index_dirty_idx
	ON ids (entity_set_id, last_write) WHERE last_index < last_write;
CREATE INDEX IF NOT EXISTS ids_link_dirty_idx
	ON ids (entity_set_id, last_write) WHERE linking_id IS NOT NULL AND last_link_index < last_write;
CREATE INDEX IF NOT EXISTS ids_purge_idx
	ON ids (entity_set_id) WHERE version = 0;
CREATE INDEX IF NOT EXISTS ids_linking_id_idx
	ON ids (linking_id) WHERE linking_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS data (
	entity_set_id    UUID     NOT NULL,
	id               UUID     NOT NULL,
	partition        INTEGER  NOT NULL,
	property_type_id UUID     NOT NULL,
	hash             BYTEA    NOT NULL,
	value            JSONB    NOT NULL,
	version          BIGINT   NOT NULL,
	versions         BIGINT[] NOT NULL,
	PRIMARY KEY (entity_set_id, id, property_type_id, hash)
);

CREATE INDEX IF NOT EXISTS data_property_idx
	ON data (entity_set_id, property_type_id) WHERE version > 0;
`

// liveCells is true when the ids row still has a positive-version value
const liveCells = `EXISTS (SELECT 1 FROM data d WHERE d.entity_set_id = ids.entity_set_id AND d.id = ids.id AND d.version > 0)`

// anyCells is true when the ids row still has any value, tombstoned or not
const anyCells = `EXISTS (SELECT 1 FROM data d WHERE d.entity_set_id = ids.entity_set_id AND d.id = ids.id)`

// keyFilter matches every row when the key array parameter is NULL
const keyFilter = `(%[1]s::uuid[] IS NULL OR id = ANY(%[1]s))`
