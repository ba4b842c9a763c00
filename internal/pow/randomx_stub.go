//go:build !randomx

package pow

func openEngine() (Engine, error) {
	return nil, ErrVerifierUnavailable
}
