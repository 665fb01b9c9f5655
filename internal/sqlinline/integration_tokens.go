package sqlinline

// QSelectIntegrationToken returns the provider key and its endpoint
// properties ({"create_url","query_url"}).
const QSelectIntegrationToken = `--sql d8966242-995b-443b-a238-89716de77571
select token, coalesce(properties, '{}'::jsonb)
from integration_tokens
where provider = $1::text
limit 1;
`

// QUpsertIntegrationToken replaces the key and merges endpoint properties,
// so a key rotation that omits the endpoints keeps the stored ones.
const QUpsertIntegrationToken = `--sql 93c5c2cc-47a3-43b8-942e-bb8a665c9f0b
insert into integration_tokens as it (id, provider, token, properties, created_at, updated_at)
values (gen_random_uuid(), $1::text, $2::text, coalesce($3::jsonb, '{}'::jsonb), now(), now())
on conflict (provider) do update set
    token = excluded.token,
    properties = coalesce(it.properties, '{}'::jsonb) || excluded.properties,
    updated_at = now();
`
