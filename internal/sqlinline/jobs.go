package sqlinline

const QCreateManifestationJobs = `--sql 0d6a3c1e-5b7f-4e0a-9c2d-8f1e4b6a7c30
create table if not exists manifestation_jobs (
  id uuid primary key,
  owner_id text not null,
  prompt text not null,
  status text not null default 'PENDING'
    check (status in ('PENDING', 'PROCESSING', 'COMPLETED', 'FAILED')),
  result_location text,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now(),
  constraint manifestation_jobs_result_iff_completed
    check ((status = 'COMPLETED') = (result_location is not null))
);
create index if not exists manifestation_jobs_owner_created_idx
  on manifestation_jobs (owner_id, created_at desc);
create index if not exists manifestation_jobs_status_updated_idx
  on manifestation_jobs (status, updated_at);
`

const QInsertManifestationJob = `--sql 7c2e9f14-3a6b-4d58-b1e0-5f9a2c8d4e61
insert into manifestation_jobs (id, owner_id, prompt, status, created_at, updated_at)
values ($1::uuid, $2::text, $3::text, 'PENDING', now(), now())
returning id::text, owner_id, prompt, status, coalesce(result_location, ''), created_at, updated_at;
`

const QSelectManifestationJob = `--sql 2f8b6d03-9e1c-4a7f-8b24-6c0d3e5f7a92
select id::text, owner_id, prompt, status, coalesce(result_location, ''), created_at, updated_at
from manifestation_jobs
where id = $1::uuid
  and ($2::text = '' or owner_id = $2::text)
limit 1;
`

// QTransitionManifestationJob is the guarded compare-and-set: the row is only
// updated while its status still equals $2.
const QTransitionManifestationJob = `--sql 9a4d1b7e-6c3f-4e82-a5d0-1b8e7f2c6d43
update manifestation_jobs
set status = $3::text,
    result_location = case when $3::text = 'COMPLETED' then nullif($4::text, '') else null end,
    updated_at = now()
where id = $1::uuid
  and status = $2::text
returning id::text, owner_id, prompt, status, coalesce(result_location, ''), created_at, updated_at;
`

const QListManifestationJobsByOwner = `--sql 5e7c0a29-1d4b-4f63-9e8a-3c2b6d1f0e74
select id::text, owner_id, prompt, status, coalesce(result_location, ''), created_at, updated_at
from manifestation_jobs
where owner_id = $1::text
order by created_at desc
limit $2::int;
`

const QListStaleManifestationJobs = `--sql b3f1e8c6-4a2d-4b97-8c15-7d9e0a3f2b85
select id::text, owner_id, prompt, status, coalesce(result_location, ''), created_at, updated_at
from manifestation_jobs
where status = $1::text
  and updated_at < $2::timestamptz
order by updated_at asc
limit $3::int;
`
