package daemon

import "github.com/unicornultrafoundation/bitchat/internal/identity"

// favoriteSet implements mesh.FavoriteChecker over the static list of
// fingerprints loaded from config.
type favoriteSet struct {
	set map[identity.Fingerprint]struct{}
}

func newFavoriteSet(hexFingerprints []string) *favoriteSet {
	fs := &favoriteSet{set: make(map[identity.Fingerprint]struct{}, len(hexFingerprints))}
	for _, h := range hexFingerprints {
		fp, err := identity.FingerprintFromHex(h)
		if err != nil {
			continue
		}
		fs.set[fp] = struct{}{}
	}
	return fs
}

func (fs *favoriteSet) IsFavorite(fp identity.Fingerprint) bool {
	_, ok := fs.set[fp]
	return ok
}
