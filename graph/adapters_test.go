package graph_test

import (
	"context"
	"errors"
	"fmt"

	"github.com/jacentio/espalier/graph"
)

// --- Test Domain ---

// User is the primary test entity: scalars, an embedded address, a ref list
// of friends, and a ref list of posts.
type User struct {
	ID      string
	Name    string
	Email   string
	Address *Address
	Friends []*User
	Posts   []*Post
}

// Post references back to its author, giving the graph a cycle.
type Post struct {
	ID     string
	Title  string
	Author *User
}

// Address is embedded: not independently addressable.
type Address struct {
	City string
	Zip  string
}

func userKey(id string) graph.EntityKey { return graph.EntityKey{Type: "user", ID: id} }
func postKey(id string) graph.EntityKey { return graph.EntityKey{Type: "post", ID: id} }

// --- Adapters ---

type userAdapter struct{}

func (userAdapter) TypeName() string { return "user" }

func (userAdapter) Key(entity any) (graph.EntityKey, error) {
	u, ok := entity.(*User)
	if !ok {
		return graph.EntityKey{}, fmt.Errorf("want *User, got %T", entity)
	}
	return userKey(u.ID), nil
}

func (userAdapter) Normalize(entity any, nctx graph.NormalizeContext) (graph.NormalizedRecord, []string, error) {
	u, ok := entity.(*User)
	if !ok {
		return nil, nil, fmt.Errorf("want *User, got %T", entity)
	}
	rec := graph.NormalizedRecord{
		"id":    graph.ScalarValue{Value: u.ID},
		"name":  graph.ScalarValue{Value: u.Name},
		"email": graph.ScalarValue{Value: u.Email},
	}
	if u.Address != nil {
		rec["address"] = graph.EmbeddedValue{Record: graph.NormalizedRecord{
			"city": graph.ScalarValue{Value: u.Address.City},
			"zip":  graph.ScalarValue{Value: u.Address.Zip},
		}}
	}
	friends := make([]graph.EntityKey, 0, len(u.Friends))
	for _, f := range u.Friends {
		key, err := nctx.RegisterNested("user", f)
		if err != nil {
			return nil, nil, err
		}
		friends = append(friends, key)
	}
	rec["friends"] = graph.RefListValue{Keys: friends}

	posts := make([]graph.EntityKey, 0, len(u.Posts))
	for _, p := range u.Posts {
		key, err := nctx.RegisterNested("post", p)
		if err != nil {
			return nil, nil, err
		}
		posts = append(posts, key)
	}
	rec["posts"] = graph.RefListValue{Keys: posts}
	return rec, nil, nil
}

func (userAdapter) Denormalize(ctx context.Context, rec graph.NormalizedRecord, dctx graph.DenormalizeContext) (any, error) {
	u := &User{
		ID:    str(rec, "id"),
		Name:  str(rec, "name"),
		Email: str(rec, "email"),
	}
	if u.ID == "" {
		return nil, errors.New("user record has no id")
	}
	if emb, ok := rec["address"].(graph.EmbeddedValue); ok {
		u.Address = &Address{
			City: str(emb.Record, "city"),
			Zip:  str(emb.Record, "zip"),
		}
	}
	if rl, ok := rec["friends"].(graph.RefListValue); ok {
		resolved, err := dctx.ResolveList(ctx, "friends", rl.Keys)
		if err != nil {
			return nil, err
		}
		for _, v := range resolved {
			u.Friends = append(u.Friends, v.(*User))
		}
	}
	if rl, ok := rec["posts"].(graph.RefListValue); ok {
		resolved, err := dctx.ResolveList(ctx, "posts", rl.Keys)
		if err != nil {
			return nil, err
		}
		for _, v := range resolved {
			u.Posts = append(u.Posts, v.(*Post))
		}
	}
	return u, nil
}

type postAdapter struct{}

func (postAdapter) TypeName() string { return "post" }

func (postAdapter) Key(entity any) (graph.EntityKey, error) {
	p, ok := entity.(*Post)
	if !ok {
		return graph.EntityKey{}, fmt.Errorf("want *Post, got %T", entity)
	}
	return postKey(p.ID), nil
}

func (postAdapter) Normalize(entity any, nctx graph.NormalizeContext) (graph.NormalizedRecord, []string, error) {
	p, ok := entity.(*Post)
	if !ok {
		return nil, nil, fmt.Errorf("want *Post, got %T", entity)
	}
	rec := graph.NormalizedRecord{
		"id":    graph.ScalarValue{Value: p.ID},
		"title": graph.ScalarValue{Value: p.Title},
	}
	if p.Author != nil {
		key, err := nctx.RegisterNested("user", p.Author)
		if err != nil {
			return nil, nil, err
		}
		rec["author"] = graph.RefValue{Key: key}
	}
	return rec, nil, nil
}

func (postAdapter) Denormalize(ctx context.Context, rec graph.NormalizedRecord, dctx graph.DenormalizeContext) (any, error) {
	p := &Post{
		ID:    str(rec, "id"),
		Title: str(rec, "title"),
	}
	if p.ID == "" {
		return nil, errors.New("post record has no id")
	}
	if ref, ok := rec["author"].(graph.RefValue); ok {
		v, err := dctx.Resolve(ctx, "author", ref.Key)
		if err != nil {
			return nil, err
		}
		if v != nil {
			p.Author = v.(*User)
		}
	}
	return p, nil
}

func str(rec graph.NormalizedRecord, field string) string {
	if sv, ok := rec[field].(graph.ScalarValue); ok {
		if s, ok := sv.Value.(string); ok {
			return s
		}
	}
	return ""
}

func testRegistry() *graph.Registry {
	return graph.NewRegistry(userAdapter{}, postAdapter{})
}
