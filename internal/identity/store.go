package identity

import "fmt"

// SeedStore persists the identity seed. The settings store implements it.
type SeedStore interface {
	IdentitySeed() (string, error)
	SaveIdentitySeed(seedHex string) error
}

// LoadOrCreate returns the stored keypair, generating and persisting a new one when
// none exists yet. A malformed stored seed is an error rather than a silent regeneration.
func LoadOrCreate(store SeedStore) (*Keypair, error) {
	seed, err := store.IdentitySeed()
	if err != nil {
		return nil, fmt.Errorf("load identity seed: %w", err)
	}
	if seed != "" {
		return FromSeedHex(seed)
	}

	kp, err := Generate()
	if err != nil {
		return nil, err
	}
	if err := store.SaveIdentitySeed(kp.SeedHex()); err != nil {
		return nil, fmt.Errorf("persist identity seed: %w", err)
	}
	return kp, nil
}
