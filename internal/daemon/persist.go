package daemon

import (
	"github.com/unicornultrafoundation/bitchat/internal/mesh"
	"github.com/unicornultrafoundation/bitchat/internal/store"
)

// storePersister adapts store.FavoriteQueue to mesh.Persister, translating
// between the mesh package's in-memory CachedMessage and the store
// package's persisted row type so neither package imports the other's
// storage concerns.
type storePersister struct {
	q *store.FavoriteQueue
}

func (p *storePersister) Put(recipientHex string, m mesh.CachedMessage) error {
	return p.q.Put(recipientHex, store.CachedMessage{
		MessageID:     m.MessageID,
		Packet:        m.Packet,
		OriginalTS:    m.OriginalTS,
		StoredAt:      m.StoredAt,
		IsForFavorite: m.IsForFavorite,
	})
}

func (p *storePersister) Flush(recipientHex string) ([]mesh.CachedMessage, error) {
	rows, err := p.q.Flush(recipientHex)
	if err != nil {
		return nil, err
	}
	out := make([]mesh.CachedMessage, len(rows))
	for i, r := range rows {
		out[i] = mesh.CachedMessage{
			MessageID:     r.MessageID,
			Packet:        r.Packet,
			OriginalTS:    r.OriginalTS,
			StoredAt:      r.StoredAt,
			IsForFavorite: r.IsForFavorite,
		}
	}
	return out, nil
}
