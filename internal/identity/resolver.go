package identity

import (
	"context"
	"log/slog"
	"time"

	"tuition/internal/recordstore"
)

// Resolver looks up card owners in the record store.
type Resolver struct {
	store  recordstore.Store
	now    func() time.Time
	logger *slog.Logger
}

// NewResolver creates a resolver over store.
func NewResolver(store recordstore.Store, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{store: store, now: time.Now, logger: logger}
}

// Resolve finds the single student or teacher whose cardNumber equals
// cardNumber. Students are searched before teachers; a number found in both
// is ambiguous. Resolve does not touch the usage counters; see MarkUsed.
func (r *Resolver) Resolve(ctx context.Context, cardNumber string) (Identity, error) {
	var matches []Identity

	students, err := r.find(ctx, CollectionStudents, cardNumber)
	if err != nil {
		return Identity{}, err
	}
	for _, rec := range students {
		var s Student
		if err := recordstore.Decode(CollectionStudents, rec, &s); err != nil {
			return Identity{}, err
		}
		matches = append(matches, s.identity())
	}

	teachers, err := r.find(ctx, CollectionTeachers, cardNumber)
	if err != nil {
		return Identity{}, err
	}
	for _, rec := range teachers {
		var t Teacher
		if err := recordstore.Decode(CollectionTeachers, rec, &t); err != nil {
			return Identity{}, err
		}
		matches = append(matches, t.identity())
	}

	switch len(matches) {
	case 0:
		return Identity{}, &UnknownCardError{CardNumber: cardNumber}
	case 1:
	default:
		r.logger.Error("card number assigned to several records", "card", cardNumber, "matches", len(matches))
		return Identity{}, &AmbiguousCardError{CardNumber: cardNumber, Matches: matches}
	}

	id := matches[0]
	if id.CardStatus != CardActive {
		return Identity{}, &InactiveCardError{CardNumber: cardNumber, Identity: id}
	}
	return id, nil
}

// MarkUsed records one accepted use of id's card (usageCount+1,
// lastUsed=now) as a single atomic store update and returns id with the
// new count. On error id is returned unchanged.
func (r *Resolver) MarkUsed(ctx context.Context, id Identity) (Identity, error) {
	updated, err := r.store.Increment(ctx, collectionFor(id.Type), id.ID, "usageCount", 1, recordstore.Record{
		"lastUsed": recordstore.FormatTime(r.now()),
	})
	if err != nil {
		return id, err
	}
	if n, ok := updated["usageCount"].(float64); ok {
		id.UsageCount = int(n)
	}
	return id, nil
}

// find fetches up to two matches; a second one is all it takes to prove
// the card is ambiguous.
func (r *Resolver) find(ctx context.Context, collection, cardNumber string) ([]recordstore.Record, error) {
	res, err := r.store.List(ctx, collection, recordstore.ListOptions{
		Filter:  recordstore.Filter{recordstore.Eq("cardNumber", cardNumber)},
		PerPage: 2,
	})
	if err != nil {
		return nil, err
	}
	return res.Items, nil
}
