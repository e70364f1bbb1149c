package experiment

import (
	"context"
	"errors"
	"hash/fnv"
	"strings"

	"github.com/zen-systems/mlroute/pkg/router"
)

// Hash purposes. Separate purposes keep the traffic roll independent of the
// variant pick for the same user.
const (
	purposeTraffic = "traffic"
	purposeVariant = "variant"
)

// hashUnit maps (salt, test, user, purpose) to [0,1). It uses FNV-1a 64 and
// keeps the top 53 bits so the value is exact in a float64. The result is
// stable across processes and platforms.
func hashUnit(salt, testID, userID, purpose string) float64 {
	h := fnv.New64a()
	for i, part := range []string{salt, testID, userID, purpose} {
		if i > 0 {
			_, _ = h.Write([]byte{'|'})
		}
		_, _ = h.Write([]byte(part))
	}
	return float64(h.Sum64()>>11) / (1 << 53)
}

// pickVariant computes a fresh assignment for userID. It does not look at
// status or eligibility.
func pickVariant(cfg Config, userID string) Variant {
	salt := cfg.salt()
	if cfg.TrafficAllocation < 1 && hashUnit(salt, cfg.ID, userID, purposeTraffic) >= cfg.TrafficAllocation {
		return VariantNone
	}
	wA, wB := cfg.VariantA.Weight, cfg.VariantB.Weight
	if wA+wB <= 0 {
		return VariantNone
	}
	if hashUnit(salt, cfg.ID, userID, purposeVariant) < wA/(wA+wB) {
		return VariantA
	}
	return VariantB
}

func (c Config) salt() string {
	if c.Salt != "" {
		return c.Salt
	}
	return c.ID
}

// eligible applies the segment and request-type filters. Empty filters
// admit everyone.
func eligible(cfg Config, s router.Subject) bool {
	if len(cfg.Eligibility.Segments) > 0 && !containsFold(cfg.Eligibility.Segments, s.Segment) {
		return false
	}
	if len(cfg.Eligibility.RequestTypes) > 0 && !containsFold(cfg.Eligibility.RequestTypes, s.RequestType) {
		return false
	}
	return true
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, item := range list {
		if strings.EqualFold(item, v) {
			return true
		}
	}
	return false
}

// AssignVariant returns the subject's variant in a test. VariantNone means
// the subject does not take part: the test is not running, the subject is
// anonymous or ineligible, or the traffic roll excluded it. Once decided,
// an assignment is memoized in the store and later weight changes do not
// affect it.
func (m *Manager) AssignVariant(ctx context.Context, testID string, subject router.Subject) (Variant, error) {
	cfg, err := m.store.GetTest(ctx, testID)
	if err != nil {
		return VariantNone, err
	}
	return m.assign(ctx, cfg, subject)
}

func (m *Manager) assign(ctx context.Context, cfg Config, subject router.Subject) (Variant, error) {
	if cfg.Status != StatusRunning || subject.UserID == "" || !eligible(cfg, subject) {
		return VariantNone, nil
	}

	if a, ok, err := m.store.GetAssignment(ctx, cfg.ID, subject.UserID); err != nil {
		return VariantNone, err
	} else if ok {
		return a.Variant, nil
	}

	stored, err := m.store.SaveAssignment(ctx, Assignment{
		TestID:     cfg.ID,
		UserID:     subject.UserID,
		Variant:    pickVariant(cfg, subject.UserID),
		AssignedAt: m.now().UTC(),
	})
	if err != nil {
		return VariantNone, err
	}
	m.metrics.Assignment(string(stored.Variant))
	m.logger.Debug("variant assigned",
		"test_id", cfg.ID,
		"user_id", subject.UserID,
		"variant", string(stored.Variant))
	return stored.Variant, nil
}

// SelectVariant lets the routing engine consult running tests. Tests are
// tried in creation order and the first one that assigns the subject to a
// variant wins. A failing test does not hide the tests after it.
func (m *Manager) SelectVariant(ctx context.Context, subject router.Subject) (router.ExperimentRoute, bool, error) {
	running, err := m.GetRunningTests(ctx)
	if err != nil {
		return router.ExperimentRoute{}, false, err
	}

	var errs []error
	for _, cfg := range running {
		v, err := m.assign(ctx, cfg, subject)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		vc, ok := cfg.Variant(v)
		if !ok {
			continue
		}
		return router.ExperimentRoute{
			TestID:   cfg.ID,
			Variant:  string(v),
			Provider: vc.Provider,
			Model:    vc.Model,
		}, true, nil
	}
	return router.ExperimentRoute{}, false, errors.Join(errs...)
}
