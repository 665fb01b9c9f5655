package sqlinline

const QInsertGeneration = `--sql 70e99fd6-28b6-4162-bba0-59136fc471ac
insert into generations (id, user_id, type, model, cost, status, meta, created_at, updated_at)
values ($1::uuid, $2::uuid, $3::text, $4::text, $5::int, 'pending', coalesce($6::jsonb, '{}'::jsonb), now(), now());
`

const QMarkGenerationProcessing = `--sql 4f499c44-1031-4252-be7f-850b22f058c6
update generations
set status = 'processing',
    provider_job_id = $2::text,
    updated_at = now()
where id = $1::uuid
  and status = 'pending';
`

const QMarkGenerationSucceeded = `--sql 6bac5fc3-8ed4-479c-94f1-7f49a7c373f5
update generations
set status = 'success',
    url = nullif($2::text, ''),
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing');
`

const QMarkGenerationFailed = `--sql 82a83dc2-d8e8-4234-928d-752251895c8f
update generations
set status = 'failed',
    error_reason = $2::text,
    updated_at = now()
where id = $1::uuid
  and status in ('pending', 'processing');
`

const QSelectGenerationByProviderJob = `--sql 6e44b1ea-dbcb-49df-9b19-c1ee8a00ea07
select id, user_id, type, model, cost, status, coalesce(provider_job_id, ''), coalesce(url, ''),
       coalesce(error_reason, ''), meta, created_at, updated_at
from generations
where user_id = $1::uuid
  and provider_job_id = $2::text
limit 1;
`

const QSelectStaleGenerations = `--sql 7aa6c466-c1c9-480e-9263-c6673accf99c
select id, user_id, type, model, cost, status, coalesce(provider_job_id, ''), coalesce(url, ''),
       coalesce(error_reason, ''), meta, created_at, updated_at
from generations
where status in ('pending', 'processing')
  and updated_at < $1::timestamptz
order by updated_at asc
limit $2::int;
`
