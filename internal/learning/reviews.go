package learning

import (
	"context"
	"math"
	"strings"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
)

const (
	opReviewsSubmit = "learning.reviews.submit"
	opReviewsRevise = "learning.reviews.revise"

	minRating = 1
	maxRating = 5
)

// Reviews manages course reviews.
type Reviews struct {
	coordinator *mutation.Coordinator
}

// NewReviews binds the reviews call site to a coordinator.
func NewReviews(coordinator *mutation.Coordinator) *Reviews {
	return &Reviews{coordinator: coordinator}
}

// ReviewsQuery is the newest-first review list of one course.
func ReviewsQuery(courseID string) records.Query {
	return records.Query{
		Collection: catalog.Reviews,
		Filter:     map[string]string{"course": courseID},
		Sort:       "-created",
		Expand:     []string{"user"},
	}
}

// List returns the reviews of a course.
func (r *Reviews) List(ctx context.Context, courseID string) ([]records.Record, error) {
	return r.coordinator.Load(ctx, ReviewsQuery(courseID))
}

// Submit posts a review as the signed-in user. One review per course is
// allowed; an existing review in the cache is reported as a field error.
func (r *Reviews) Submit(ctx context.Context, courseID string, rating int, comment string) (*mutation.Mutation, error) {
	user, err := requireSession(r.coordinator.Remote(), opReviewsSubmit)
	if err != nil {
		return nil, err
	}
	text, err := checkReview(opReviewsSubmit, rating, comment)
	if err != nil {
		return nil, err
	}
	query := ReviewsQuery(courseID)
	if entry, ok := r.coordinator.Cache().Get(query.Key()); ok {
		if _, found := FindByUser(entry.Items, user.ID); found {
			return nil, localFailure(opReviewsSubmit+".validation", "course", "you have already reviewed this course")
		}
	}
	r.coordinator.Track(query)
	return r.coordinator.Create(ctx, catalog.Reviews, records.Fields{
		"course":  courseID,
		"user":    user.ID,
		"rating":  float64(rating),
		"comment": text,
	}), nil
}

// Revise changes the rating and comment of a review.
func (r *Reviews) Revise(ctx context.Context, reviewID string, rating int, comment string) (*mutation.Mutation, error) {
	if _, err := requireSession(r.coordinator.Remote(), opReviewsRevise); err != nil {
		return nil, err
	}
	text, err := checkReview(opReviewsRevise, rating, comment)
	if err != nil {
		return nil, err
	}
	return r.coordinator.Update(ctx, catalog.Reviews, reviewID, records.Fields{
		"rating":  float64(rating),
		"comment": text,
	}), nil
}

// Withdraw deletes a review.
func (r *Reviews) Withdraw(ctx context.Context, reviewID string) *mutation.Mutation {
	return r.coordinator.Delete(ctx, catalog.Reviews, reviewID)
}

// Average is the mean rating rounded to one decimal, or zero without
// reviews.
func Average(reviews []records.Record) float64 {
	total, count := 0.0, 0
	for _, review := range reviews {
		if rating, ok := review.Fields.Float("rating"); ok {
			total += rating
			count++
		}
	}
	if count == 0 {
		return 0
	}
	return math.Round(total/float64(count)*10) / 10
}

// FindByUser returns the review written by userID.
func FindByUser(reviews []records.Record, userID string) (records.Record, bool) {
	for _, review := range reviews {
		if review.Fields.String("user") == userID {
			return review, true
		}
	}
	return records.Record{}, false
}

func checkReview(operation string, rating int, comment string) (string, error) {
	if rating < minRating || rating > maxRating {
		return "", localFailure(operation+".validation", "rating", "rating must be between 1 and 5")
	}
	text := strings.TrimSpace(comment)
	if text == "" {
		return "", localFailure(operation+".validation", "comment", "this field is required")
	}
	return text, nil
}
