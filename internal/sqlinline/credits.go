package sqlinline

const QCheckCredits = `--sql 92ef1262-de16-46e2-b472-7332a3f28acd
select coalesce((select balance from user_credits where user_id = $1::uuid), 0) >= $2::int as sufficient;
`

// QDeductCredits is idempotent on (user_id, reason_code, related_entity): a
// repeated call reports the earlier transaction without debiting again.
const QDeductCredits = `--sql aa28d60d-97f3-4046-9376-901b51d3e2dc
with existing as (
    select balance_after
    from credit_transactions
    where user_id = $1::uuid and reason_code = $3::text and related_entity = $4::text
    limit 1
),
debited as (
    update user_credits
    set balance = balance - $2::int, updated_at = now()
    where user_id = $1::uuid
      and balance >= $2::int
      and not exists (select 1 from existing)
    returning balance
),
recorded as (
    insert into credit_transactions(id, user_id, amount, reason_code, related_entity, balance_after, created_at)
    select gen_random_uuid(), $1::uuid, -$2::int, $3::text, $4::text, debited.balance, now()
    from debited
    on conflict (user_id, reason_code, related_entity) do nothing
    returning balance_after
)
select
    coalesce(
        (select balance_after from existing),
        (select balance_after from recorded),
        (select balance from user_credits where user_id = $1::uuid),
        0
    ) as balance_after,
    exists(select 1 from existing) or exists(select 1 from recorded) as success;
`
