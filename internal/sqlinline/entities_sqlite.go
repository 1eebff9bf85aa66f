package sqlinline

// SQLite statements for the entities table. Timestamps are unix nanoseconds and
// the artifact is stored as JSON text.

const QSQLiteEnsureEntitiesSchema = `--sql c079c43b-621e-4956-953e-45f4d5144f5f
create table if not exists entities (
    id text primary key,
    kind text not null,
    title text not null default '',
    prompt text not null,
    aspect_ratio text not null,
    status text not null,
    artifact text,
    last_error text not null default '',
    failure_kind text not null default '',
    attempt integer not null default 0,
    created_at integer not null,
    updated_at integer not null
);
`

const QSQLiteInsertEntity = `--sql 554b4728-b1b4-49ef-9d52-929b95491d7d
insert into entities (id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at)
values (?1, ?2, ?3, ?4, ?5, ?6, null, '', '', 0, ?7, ?7);
`

const QSQLiteSelectEntity = `--sql 31584e0b-17ba-473b-afcf-a6a39e809329
select id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at
from entities
where id = ?1;
`

const QSQLiteListEntities = `--sql e487aaef-b5cf-46ef-b8b2-5819bf96fe9f
select id, kind, title, prompt, aspect_ratio, status, artifact, last_error, failure_kind, attempt, created_at, updated_at
from entities
where (?1 = '' or kind = ?1)
  and (?2 = '' or status = ?2)
  and (?3 = 0 or coalesce(json_extract(artifact, '$.uri'), '') = '')
order by created_at, id;
`

const QSQLiteDeleteEntity = `--sql b07b89cd-14a9-49b1-bc54-984aa5c2c75f
delete from entities where id = ?1;
`

const QSQLiteBeginAttempt = `--sql 9212cabb-f154-4659-a135-a1e1db2bda1c
update entities
set attempt = attempt + 1,
    status = 'generating',
    artifact = null,
    last_error = '',
    failure_kind = '',
    updated_at = ?2
where id = ?1
returning attempt;
`

const QSQLiteFinishAttempt = `--sql c16200ca-a900-4553-b42f-58ae6e051dca
update entities
set status = ?3,
    artifact = ?4,
    last_error = ?5,
    failure_kind = ?6,
    updated_at = ?7
where id = ?1 and attempt = ?2 and status = 'generating';
`
