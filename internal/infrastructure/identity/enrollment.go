package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"lecturecast/internal/core/domain"
	"lecturecast/internal/core/ports"
	"lecturecast/pkg/cache"

	"go.uber.org/zap"
)

// EnrollmentClient asks the platform whether a student is enrolled in a
// course. Answers are cached for the configured TTL, negative ones included.
type EnrollmentClient struct {
	base   string
	caller *caller
	cache  *cache.Cache[bool]
}

type enrollmentResponse struct {
	Enrolled bool `json:"enrolled"`
}

func NewEnrollmentClient(cfg Config, client *http.Client, logger *zap.SugaredLogger) *EnrollmentClient {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &EnrollmentClient{
		base:   cfg.EnrollmentURL,
		caller: newCaller("enrollment", cfg, client, logger),
		cache:  cache.New[bool](cfg.CacheTTL),
	}
}

func (e *EnrollmentClient) IsEnrolled(ctx context.Context, userID domain.UserID, courseID string) (bool, error) {
	if userID == "" || courseID == "" {
		return false, fmt.Errorf("%w: user and course are required", domain.ErrInvalidInput)
	}
	key := string(userID) + "|" + courseID
	return e.cache.GetOrLoad(ctx, key, func(ctx context.Context) (bool, error) {
		return e.fetch(ctx, userID, courseID)
	})
}

func (e *EnrollmentClient) fetch(ctx context.Context, userID domain.UserID, courseID string) (bool, error) {
	u, err := url.Parse(e.base)
	if err != nil {
		return false, fmt.Errorf("%w: enrollment url: %v", domain.ErrConfiguration, err)
	}
	q := u.Query()
	q.Set("user_id", string(userID))
	q.Set("course_id", courseID)
	u.RawQuery = q.Encode()

	var resp enrollmentResponse
	if err := e.caller.getJSON(ctx, u.String(), nil, &resp); err != nil {
		var se *statusError
		if errors.As(err, &se) && se.code == http.StatusNotFound {
			return false, nil
		}
		return false, err
	}
	return resp.Enrolled, nil
}

// Forget drops cached answers for a user, e.g. after an enrollment change.
func (e *EnrollmentClient) Forget(userID domain.UserID) {
	e.cache.InvalidatePrefix(string(userID) + "|")
}

func (e *EnrollmentClient) Close() {
	e.cache.Stop()
}

var _ ports.EnrollmentChecker = (*EnrollmentClient)(nil)
