package shared

import "context"

// Actor identifies who performs an operation. Identity is established upstream;
// the engine only records it.
type Actor struct {
	ID         int64
	Name       string
	BusinessID int64
}

// Valid reports whether the actor carries an identity.
func (a Actor) Valid() bool {
	return a.ID > 0
}

type actorContextKey struct{}

// ContextWithActor stores the actor in context.
func ContextWithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from context.
func ActorFromContext(ctx context.Context) (Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(Actor)
	return actor, ok && actor.Valid()
}

// SystemActor is recorded on movements and audit events raised by background jobs.
// User id 1 is reserved for it.
var SystemActor = Actor{ID: 1, Name: "system"}
