// README: Matching store backed by Redis lists and keyed JSON records.
package match

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"metrocarpool/internal/types"
)

const (
	waitingQueueKey      = "matching:rider-waiting-queue"
	riderKeyPrefix       = "matching:rider:%d"
	offerKeyPrefix       = "matching:driver:%d:offer"
	openOffersKey        = "matching:drivers:open"
	matchDriverKeyPrefix = "matching:match:driver:%d"
	matchRiderKeyPrefix  = "matching:match:rider:%d"
	// Queue entries and matches should resolve well within a day.
	keyTTL = 24 * time.Hour
)

type Store struct {
	redis *redis.Client
}

func NewStore(redis *redis.Client) *Store {
	return &Store{redis: redis}
}

// EnqueueRider appends the rider to the FIFO waiting queue. A rider can hold
// at most one queue entry.
func (s *Store) EnqueueRider(ctx context.Context, r WaitingRider) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, riderKey(r.RiderID), raw, keyTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyWaiting
	}
	pipe := s.redis.Pipeline()
	pipe.RPush(ctx, waitingQueueKey, int64(r.RiderID))
	pipe.Expire(ctx, waitingQueueKey, keyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Waiting returns the queue in arrival order. Ids whose rider record expired
// are skipped.
func (s *Store) Waiting(ctx context.Context) ([]WaitingRider, error) {
	ids, err := s.redis.LRange(ctx, waitingQueueKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	riders := make([]WaitingRider, 0, len(ids))
	for _, id := range ids {
		raw, err := s.redis.Get(ctx, "matching:rider:"+id).Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var r WaitingRider
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, err
		}
		riders = append(riders, r)
	}
	return riders, nil
}

func (s *Store) RemoveWaiting(ctx context.Context, riderID types.UserID) error {
	pipe := s.redis.Pipeline()
	pipe.LRem(ctx, waitingQueueKey, 0, int64(riderID))
	pipe.Del(ctx, riderKey(riderID))
	_, err := pipe.Exec(ctx)
	return err
}

// PutOffer records a driver's open offer. A driver can hold at most one.
func (s *Store) PutOffer(ctx context.Context, o Offer) error {
	raw, err := json.Marshal(o)
	if err != nil {
		return err
	}
	ok, err := s.redis.SetNX(ctx, offerKey(o.DriverID), raw, keyTTL).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrAlreadyOffering
	}
	pipe := s.redis.Pipeline()
	pipe.SAdd(ctx, openOffersKey, int64(o.DriverID))
	pipe.Expire(ctx, openOffersKey, keyTTL)
	_, err = pipe.Exec(ctx)
	return err
}

// Offers returns all open offers, oldest first.
func (s *Store) Offers(ctx context.Context) ([]Offer, error) {
	ids, err := s.redis.SMembers(ctx, openOffersKey).Result()
	if err != nil {
		return nil, err
	}
	offers := make([]Offer, 0, len(ids))
	for _, id := range ids {
		raw, err := s.redis.Get(ctx, "matching:driver:"+id+":offer").Result()
		if err == redis.Nil {
			continue
		}
		if err != nil {
			return nil, err
		}
		var o Offer
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return nil, err
		}
		offers = append(offers, o)
	}
	sortOffersByAge(offers)
	return offers, nil
}

func (s *Store) RemoveOffer(ctx context.Context, driverID types.UserID) error {
	pipe := s.redis.Pipeline()
	pipe.SRem(ctx, openOffersKey, int64(driverID))
	pipe.Del(ctx, offerKey(driverID))
	_, err := pipe.Exec(ctx)
	return err
}

// PutMatch records the pairing under both actors. Either side already holding
// a live match refuses the whole write.
func (s *Store) PutMatch(ctx context.Context, m Match) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return err
	}
	dOK, err := s.redis.SetNX(ctx, matchDriverKey(m.DriverID), raw, keyTTL).Result()
	if err != nil {
		return err
	}
	if !dOK {
		return ErrAlreadyMatched
	}
	rOK, err := s.redis.SetNX(ctx, matchRiderKey(m.RiderID), raw, keyTTL).Result()
	if err != nil {
		return err
	}
	if !rOK {
		s.redis.Del(ctx, matchDriverKey(m.DriverID))
		return ErrAlreadyMatched
	}
	return nil
}

func (s *Store) MatchByDriver(ctx context.Context, driverID types.UserID) (*Match, error) {
	return s.getMatch(ctx, matchDriverKey(driverID))
}

func (s *Store) MatchByRider(ctx context.Context, riderID types.UserID) (*Match, error) {
	return s.getMatch(ctx, matchRiderKey(riderID))
}

func (s *Store) ClearMatch(ctx context.Context, m Match) error {
	pipe := s.redis.Pipeline()
	pipe.Del(ctx, matchDriverKey(m.DriverID))
	pipe.Del(ctx, matchRiderKey(m.RiderID))
	_, err := pipe.Exec(ctx)
	return err
}

func (s *Store) getMatch(ctx context.Context, key string) (*Match, error) {
	raw, err := s.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var m Match
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, err
	}
	return &m, nil
}

func sortOffersByAge(offers []Offer) {
	sort.Slice(offers, func(i, j int) bool {
		return offers[i].CreatedAt.Before(offers[j].CreatedAt)
	})
}

func riderKey(id types.UserID) string {
	return fmt.Sprintf(riderKeyPrefix, int64(id))
}

func offerKey(id types.UserID) string {
	return fmt.Sprintf(offerKeyPrefix, int64(id))
}

func matchDriverKey(id types.UserID) string {
	return fmt.Sprintf(matchDriverKeyPrefix, int64(id))
}

func matchRiderKey(id types.UserID) string {
	return fmt.Sprintf(matchRiderKeyPrefix, int64(id))
}
