package sqlinline

const QCreateProviderCredentials = `--sql 3e7b1c9a-4d2f-4a6e-9b85-c0f1d2e3a4b5
create table if not exists provider_credentials (
  provider text primary key,
  api_key text not null,
  properties jsonb not null default '{}'::jsonb,
  created_at timestamptz not null default now(),
  updated_at timestamptz not null default now()
);
`

const QSelectProviderCredential = `--sql 5a1f8e2d-7b3c-4c9d-a6e4-2d8f0b1c3e57
select api_key
from provider_credentials
where provider = $1::text
limit 1;
`

const QUpsertProviderCredential = `--sql c4d9e2f1-8a6b-4e3d-9f17-6b2a5c8d0e94
insert into provider_credentials (provider, api_key, properties, created_at, updated_at)
values ($1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    api_key = excluded.api_key,
    properties = excluded.properties,
    updated_at = now();
`
