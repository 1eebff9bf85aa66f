package sqlinline

// Postgres statements for the entities table.

const QEnsureEntitiesSchema = `--sql 8dbb45ba-bc7e-465d-b1f8-4fc727536ff4
create table if not exists entities (
    id text primary key,
    kind text not null,
    title text not null default '',
    prompt text not null,
    aspect_ratio text not null,
    status text not null,
    artifact jsonb,
    last_error text not null default '',
    failure_kind text not null default '',
    attempt bigint not null default 0,
    created_at timestamptz not null,
    updated_at timestamptz not null
);
`

const QInsertEntity = `--sql cd266bc2-0c41-4179-af11-5c1b5b436fec
insert into entities (id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at)
values ($1, $2, $3, $4, $5, $6, null, '', '', 0, $7, $7);
`

const QSelectEntity = `--sql d98926df-e903-47d2-984e-2cf5f62aba38
select id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at
from entities
where id = $1;
`

const QListEntities = `--sql 43353e60-f63c-4640-a430-2a32434b3ad7
select id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at
from entities
where ($1 = '' or kind = $1)
  and ($2 = '' or status = $2)
  and (not $3::boolean or coalesce(artifact->>'uri', '') = '')
order by created_at, id;
`

const QDeleteEntity = `--sql 7e86950f-bafc-43d8-bf8d-c479ac012f0e
delete from entities where id = $1;
`

const QBeginAttempt = `--sql 2904eee8-c2c9-452a-96c0-11969983deac
update entities
set attempt = attempt + 1,
    status = 'generating',
    artifact = null,
    last_error = '',
    failure_kind = '',
    updated_at = $2
where id = $1
returning attempt;
`

const QFinishAttempt = `--sql 2a096be5-7b2d-4cb1-829f-94276ffb775e
update entities
set status = $3,
    artifact = $4,
    last_error = $5,
    failure_kind = $6,
    updated_at = $7
where id = $1 and attempt = $2 and status = 'generating';
`
