package store

import (
	"context"
	"database/sql"
	"fmt"

	"soauth.org/internal/auth"
	"soauth.org/internal/ids"
)

type groupStore struct{ s *Store }

func scanGroup(row interface{ Scan(...any) error }) (*auth.Group, error) {
	var (
		g         auth.Group
		createdBy sql.NullString
		createdAt int64
	)
	if err := row.Scan(&g.ID, &g.Name, &createdBy, &createdAt); err != nil {
		return nil, err
	}
	g.CreatedBy = createdBy.String
	g.CreatedAt = fromMillis(createdAt)
	return &g, nil
}

func (r groupStore) Create(ctx context.Context, g *auth.Group) error {
	if g.Name == "" {
		return fmt.Errorf("%w: group name is required", auth.ErrInvalidInput)
	}
	if g.ID == "" {
		g.ID = ids.NewUUID()
	}
	g.CreatedAt = nowOr(g.CreatedAt)
	_, err := r.s.exec(ctx, `
		insert into user_groups(id, name, created_by, created_at)
		values (?, ?, ?, ?)`,
		g.ID, g.Name, nullString(g.CreatedBy), toMillis(g.CreatedAt))
	return err
}

func (r groupStore) withGrants(ctx context.Context, g *auth.Group, err error) (*auth.Group, error) {
	if err != nil {
		return nil, r.s.mapErr(err)
	}
	grants, err := r.s.stringList(ctx, `select grant_name from group_grants where group_id = ? order by grant_name`, g.ID)
	if err != nil {
		return nil, err
	}
	g.Grants = grants
	return g, nil
}

func (r groupStore) Find(ctx context.Context, id string) (*auth.Group, error) {
	g, err := scanGroup(r.s.queryRow(ctx, `select id, name, created_by, created_at from user_groups where id = ?`, id))
	return r.withGrants(ctx, g, err)
}

func (r groupStore) FindByName(ctx context.Context, name string) (*auth.Group, error) {
	g, err := scanGroup(r.s.queryRow(ctx, `select id, name, created_by, created_at from user_groups where name = ?`, name))
	return r.withGrants(ctx, g, err)
}

func (r groupStore) list(ctx context.Context, query string, args ...any) ([]*auth.Group, error) {
	rows, err := r.s.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var out []*auth.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Close(); err != nil {
		return nil, err
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// grants are loaded after the cursor is closed; a transaction has one connection.
	for _, g := range out {
		if _, err := r.withGrants(ctx, g, nil); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r groupStore) List(ctx context.Context) ([]*auth.Group, error) {
	return r.list(ctx, `select id, name, created_by, created_at from user_groups order by name`)
}

func (r groupStore) ForUser(ctx context.Context, userID string) ([]*auth.Group, error) {
	return r.list(ctx, `
		select g.id, g.name, g.created_by, g.created_at
		from user_groups g
		join group_members m on m.group_id = g.id
		where m.user_id = ?
		order by g.name`, userID)
}

func (r groupStore) Delete(ctx context.Context, id string) error {
	return r.s.mustAffect(ctx, `delete from user_groups where id = ?`, id)
}

func (r groupStore) AddMember(ctx context.Context, groupID, userID string) (bool, error) {
	n, err := r.s.affected(ctx, `
		insert into group_members(group_id, user_id) values (?, ?)
		on conflict do nothing`, groupID, userID)
	return n > 0, err
}

func (r groupStore) RemoveMember(ctx context.Context, groupID, userID string) (bool, error) {
	n, err := r.s.affected(ctx, `delete from group_members where group_id = ? and user_id = ?`, groupID, userID)
	return n > 0, err
}

func (r groupStore) Members(ctx context.Context, groupID string) ([]string, error) {
	return r.s.stringList(ctx, `select user_id from group_members where group_id = ? order by user_id`, groupID)
}

func (r groupStore) AddGrant(ctx context.Context, groupID, grant string) (bool, error) {
	n, err := r.s.affected(ctx, `
		insert into group_grants(group_id, grant_name) values (?, ?)
		on conflict do nothing`, groupID, grant)
	return n > 0, err
}

func (r groupStore) RemoveGrant(ctx context.Context, groupID, grant string) (bool, error) {
	n, err := r.s.affected(ctx, `delete from group_grants where group_id = ? and grant_name = ?`, groupID, grant)
	return n > 0, err
}
