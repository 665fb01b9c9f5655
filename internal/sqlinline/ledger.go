package sqlinline

// QDebitCredits decrements the balance only when it covers the amount; an
// empty result means the balance was insufficient (or the user is unknown).
const QDebitCredits = `--sql 942ad9e8-3aac-4051-93b8-c47e7774487b
update users
set credit_balance = credit_balance - $2::int,
    updated_at = now()
where id = $1::uuid
  and credit_balance >= $2::int
returning credit_balance;
`

const QCreditCredits = `--sql 198af449-b20b-43fb-bfcd-72feea88f3fc
update users
set credit_balance = credit_balance + $2::int,
    updated_at = now()
where id = $1::uuid
returning credit_balance;
`

const QSelectCreditBalance = `--sql 311ed90d-5a01-41a1-8245-034af70af176
select credit_balance
from users
where id = $1::uuid;
`
