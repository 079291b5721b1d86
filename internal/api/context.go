package api

import "context"

// collectionIDContextKey is the context key for the collection ID.
type collectionIDContextKey struct{}

// actorContextKey is the context key for the authenticated actor, used by
// the destructive-operation rate limiter.
type actorContextKey struct{}

// WithCollectionID returns a new context with the collection ID attached.
func WithCollectionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, collectionIDContextKey{}, id)
}

// CollectionIDFromContext extracts the collection ID from the context.
// Returns "default" if not present or empty.
func CollectionIDFromContext(ctx context.Context) string {
	id, ok := ctx.Value(collectionIDContextKey{}).(string)
	if !ok || id == "" {
		return "default"
	}
	return id
}

// WithActor returns a new context with the actor attached.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the actor from the context.
// Returns "anonymous" if not present or empty.
func ActorFromContext(ctx context.Context) string {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	if !ok || actor == "" {
		return "anonymous"
	}
	return actor
}
