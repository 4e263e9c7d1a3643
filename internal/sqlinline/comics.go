package sqlinline

// QInsertComic writes the comic row and all of its scenes in one statement.
const QInsertComic = `--sql f11cf9b2-5553-4f6d-aff4-7af9ef7b51e7
with comic as (
    insert into comics(id, user_id, kind, title, style, characters, created_at)
    values ($1::uuid, nullif($2::text, '')::uuid, $3::text, $4::text, $5::text, coalesce($6::jsonb, '[]'::jsonb), $7::timestamptz)
    returning id
)
insert into comic_scenes(id, comic_id, scene_order, description, status, retry_count, artifact_url, error_message, updated_at)
select s.id::uuid, (select id from comic), s.scene_order, s.description, s.status, 0, null, null, $7::timestamptz
from unnest($8::text[], $9::int[], $10::text[], $11::text[]) as s(id, scene_order, description, status);
`

const QUpdateScene = `--sql 75cd360e-620c-49f8-807d-f3dfc5238549
update comic_scenes
set description = $2::text,
    status = $3::text,
    retry_count = $4::int,
    artifact_url = nullif($5::text, ''),
    error_message = nullif($6::text, ''),
    updated_at = $7::timestamptz
where id = $1::uuid;
`

const QSelectComic = `--sql d67b5924-70f2-40a2-aac3-130729176e32
select id::text, coalesce(user_id::text, ''), kind, title, style, coalesce(characters, '[]'::jsonb), created_at
from comics
where id = $1::uuid;
`

const QSelectComicScenes = `--sql 7c7426c3-cca3-4dda-b5b0-be793a0fe400
select id::text, comic_id::text, scene_order, description, status, retry_count,
       coalesce(artifact_url, ''), coalesce(error_message, ''), updated_at
from comic_scenes
where comic_id = $1::uuid
order by scene_order asc;
`
