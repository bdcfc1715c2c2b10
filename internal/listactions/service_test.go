package listactions

import (
	"context"
	"errors"
	"reflect"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"recruiter-outreach-scheduler/internal/delaystore"
	"recruiter-outreach-scheduler/internal/dispatcher"
	"recruiter-outreach-scheduler/internal/models"
	"recruiter-outreach-scheduler/internal/scheduler"
	"recruiter-outreach-scheduler/internal/store"
)

const (
	recruiterID = 7
	listID      = 10
)

var owner = Principal{ID: recruiterID, Role: "RECRUITER"}

type captured struct {
	mu  sync.Mutex
	out []models.Event
}

func (c *captured) Deliver(_ context.Context, ev models.Event, _ string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.out = append(c.out, ev)
	return nil
}

type fixture struct {
	mr    *miniredis.Miniredis
	redis *redis.Client
	delay *delaystore.Store
	repo  *store.Memory
	svc   *Service
}

func newFixture(t *testing.T, members ...int64) *fixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), DB: 1, Protocol: 2})
	delay := delaystore.NewWithClient(client, 1)
	repo := store.NewMemory()
	repo.PutList(models.RecruiterList{ID: listID, RecruiterID: recruiterID, Name: "backend", Applicants: members})
	sched := scheduler.New(delay, repo, 30, 30, zerolog.Nop())
	svc := New(repo, sched, delay, redislock.New(client), Options{
		IntroMessage: "hello there",
		BasePath:     "/api/v1",
		LockTTL:      time.Second,
		LockWait:     150 * time.Millisecond,
	}, zerolog.Nop())
	return &fixture{mr: mr, redis: client, delay: delay, repo: repo, svc: svc}
}

func bucket(results []models.StatusBucket, status models.ActionStatus) []int64 {
	for _, b := range results {
		if b.Status == status {
			out := append([]int64{}, b.Applicants...)
			sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
			return out
		}
	}
	return nil
}

func sorted(ids []int64) []int64 {
	out := append([]int64{}, ids...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestAddPartitionsMembers(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	res, err := f.svc.Add(ctx, owner, listID, []int64{2, 3})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := bucket(res.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("expected NO_CHANGE [2], got %v", got)
	}
	if got := bucket(res.Results, models.ActionCompleted); !reflect.DeepEqual(got, []int64{3}) {
		t.Fatalf("expected COMPLETED [3], got %v", got)
	}
	if res.Action.Status != models.ActionCompleted || res.Action.ActionType != models.ActionAdd {
		t.Fatalf("unexpected action %+v", res.Action)
	}

	list, _ := f.repo.GetList(ctx, listID)
	if got := sorted(list.Applicants); !reflect.DeepEqual(got, []int64{1, 2, 3}) {
		t.Fatalf("expected members [1 2 3], got %v", got)
	}
	profile, err := f.repo.GetApplicant(ctx, recruiterID, 3)
	if err != nil || !profile.HasTag("backend") {
		t.Fatalf("expected new profile tagged with list name, got %+v err=%v", profile, err)
	}

	again, err := f.svc.Add(ctx, owner, listID, []int64{1, 3})
	if err != nil {
		t.Fatalf("repeat add: %v", err)
	}
	if again.Action.Status != models.ActionNoChange {
		t.Fatalf("expected NO_CHANGE action on repeat, got %s", again.Action.Status)
	}
}

func TestAddTagsExistingProfileOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	created, _ := f.repo.CreateApplicant(ctx, models.Applicant{RecruiterID: recruiterID, ApplicantID: 4, Tags: []string{"frontend"}})

	if _, err := f.svc.Add(ctx, owner, listID, []int64{4}); err != nil {
		t.Fatalf("add: %v", err)
	}
	profile, _ := f.repo.GetApplicant(ctx, recruiterID, 4)
	if profile.ID != created.ID || !reflect.DeepEqual(profile.Tags, []string{"frontend", "backend"}) {
		t.Fatalf("unexpected profile %+v", profile)
	}
}

func TestFailedListSaveLeavesProfilesUntouched(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.repo.CreateApplicant(ctx, models.Applicant{RecruiterID: recruiterID, ApplicantID: 2, Tags: []string{"backend"}})
	f.repo.FailListUpdate = true

	res, err := f.svc.Add(ctx, owner, listID, []int64{1, 3})
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if got := bucket(res.Results, models.ActionFailed); !reflect.DeepEqual(got, []int64{3}) {
		t.Fatalf("expected FAILED [3], got %v", got)
	}
	if got := bucket(res.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("expected NO_CHANGE [1], got %v", got)
	}
	if res.Action.ID == 0 || res.Action.Status != models.ActionFailed {
		t.Fatalf("expected a recorded FAILED action, got %+v", res.Action)
	}
	if _, err := f.repo.GetApplicant(ctx, recruiterID, 3); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("profile must not be created when the list was not saved, err=%v", err)
	}

	f.repo.PutList(models.RecruiterList{ID: listID, RecruiterID: recruiterID, Name: "backend", Applicants: []int64{1, 2}})
	removed, err := f.svc.Remove(ctx, owner, listID, []int64{2})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := bucket(removed.Results, models.ActionFailed); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("expected FAILED [2], got %v", got)
	}
	profile, _ := f.repo.GetApplicant(ctx, recruiterID, 2)
	if !profile.HasTag("backend") {
		t.Fatalf("tag must stay when the list was not saved, got %v", profile.Tags)
	}
}

func TestRemoveShrinksListAndUntags(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()
	f.repo.CreateApplicant(ctx, models.Applicant{RecruiterID: recruiterID, ApplicantID: 2, Tags: []string{"backend", "senior"}})

	res, err := f.svc.Remove(ctx, owner, listID, []int64{2, 9})
	if err != nil {
		t.Fatalf("remove: %v", err)
	}
	if got := bucket(res.Results, models.ActionCompleted); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("expected COMPLETED [2], got %v", got)
	}
	if got := bucket(res.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{9}) {
		t.Fatalf("expected NO_CHANGE [9], got %v", got)
	}
	list, _ := f.repo.GetList(ctx, listID)
	if got := sorted(list.Applicants); !reflect.DeepEqual(got, []int64{1, 3}) {
		t.Fatalf("expected members [1 3], got %v", got)
	}
	profile, _ := f.repo.GetApplicant(ctx, recruiterID, 2)
	if !reflect.DeepEqual(profile.Tags, []string{"senior"}) {
		t.Fatalf("expected list tag removed, got %v", profile.Tags)
	}
}

func TestDisableCreatesOrFlipsConfig(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()
	f.repo.CreateConfig(ctx, models.ApplicantConfig{RecruiterID: recruiterID, ApplicantID: 1, Enabled: true})
	f.repo.CreateConfig(ctx, models.ApplicantConfig{RecruiterID: recruiterID, ApplicantID: 2, Enabled: false})

	res, err := f.svc.Disable(ctx, owner, listID, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("disable: %v", err)
	}
	if got := bucket(res.Results, models.ActionCompleted); !reflect.DeepEqual(got, []int64{1, 3}) {
		t.Fatalf("expected COMPLETED [1 3], got %v", got)
	}
	if got := bucket(res.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{2}) {
		t.Fatalf("expected NO_CHANGE [2], got %v", got)
	}
	for _, id := range []int64{1, 2, 3} {
		cfg, err := f.repo.GetConfig(ctx, recruiterID, id)
		if err != nil || cfg.Enabled {
			t.Fatalf("applicant %d: expected disabled config, got %+v err=%v", id, cfg, err)
		}
	}

	again, _ := f.svc.Disable(ctx, owner, listID, []int64{1})
	if again.Action.Status != models.ActionNoChange {
		t.Fatalf("expected NO_CHANGE on repeat, got %s", again.Action.Status)
	}
}

func TestSendSchedulesAndReturnsStatusURL(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()

	res, err := f.svc.Send(ctx, owner, listID, []int64{1, 2}, SendConfig{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if res.Status != StatusScheduled {
		t.Fatalf("expected SCHEDULED, got %s", res.Status)
	}
	want := "/api/v1/list-actions/10/" + strconv.FormatInt(res.ActionID, 10) + "/status"
	if res.StatusURL != want {
		t.Fatalf("expected status url %s, got %s", want, res.StatusURL)
	}
	action, _ := f.repo.GetAction(ctx, res.ActionID)
	if action.Status != models.ActionInitiated {
		t.Fatalf("expected INITIATED, got %s", action.Status)
	}
	for _, id := range []int64{1, 2} {
		raw, ok, err := f.delay.Get(ctx, delaystore.BackupKey(scheduler.SubjectKey(id)))
		if err != nil || !ok {
			t.Fatalf("expected backup for %d, ok=%v err=%v", id, ok, err)
		}
		msg, _ := models.DecodeScheduled(raw)
		if msg.ActionID != res.ActionID || msg.Event.Content != "hello there" {
			t.Fatalf("unexpected payload %+v", msg)
		}
	}

	second, err := f.svc.Send(ctx, owner, listID, []int64{1}, SendConfig{TemplateMessage: "again"})
	if err != nil {
		t.Fatalf("second send: %v", err)
	}
	if got := bucket(second.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("expected NO_CHANGE [1], got %v", got)
	}
	if action, _ := f.repo.GetAction(ctx, second.ActionID); action.Status != models.ActionCompleted {
		t.Fatalf("expected idle action settled COMPLETED, got %s", action.Status)
	}
}

func TestNudgeUsesLastResponse(t *testing.T) {
	f := newFixture(t, 1, 2, 3)
	ctx := context.Background()
	f.repo.CreateApplicant(ctx, models.Applicant{RecruiterID: recruiterID, ApplicantID: 1, Response: "still interested?"})
	f.repo.CreateApplicant(ctx, models.Applicant{RecruiterID: recruiterID, ApplicantID: 2})

	res, err := f.svc.Nudge(ctx, owner, listID, []int64{1, 2, 3})
	if err != nil {
		t.Fatalf("nudge: %v", err)
	}
	if got := bucket(res.Results, models.ActionCompleted); !reflect.DeepEqual(got, []int64{1}) {
		t.Fatalf("expected COMPLETED [1], got %v", got)
	}
	if got := bucket(res.Results, models.ActionNoChange); !reflect.DeepEqual(got, []int64{2, 3}) {
		t.Fatalf("expected skipped [2 3], got %v", got)
	}
	raw, ok, _ := f.delay.Get(ctx, delaystore.BackupKey(scheduler.SubjectKey(1)))
	if !ok {
		t.Fatalf("expected delay entry for applicant 1")
	}
	msg, _ := models.DecodeScheduled(raw)
	if msg.Event.Content != "still interested?" {
		t.Fatalf("expected last response re-sent, got %q", msg.Event.Content)
	}
	if exists, _ := f.delay.Exists(ctx, scheduler.SubjectKey(2)); exists {
		t.Fatalf("applicant without response must not be scheduled")
	}
}

func TestCancelIsIdempotentAndBlocksLateExpiry(t *testing.T) {
	f := newFixture(t, 1, 2)
	ctx := context.Background()
	res, err := f.svc.Send(ctx, owner, listID, []int64{1, 2}, SendConfig{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	raw, _, _ := f.delay.Get(ctx, delaystore.BackupKey(scheduler.SubjectKey(1)))
	late, _ := models.DecodeScheduled(raw)

	status, err := f.svc.Cancel(ctx, owner, listID, res.ActionID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if status.Action.Status != models.ActionCancelled {
		t.Fatalf("expected CANCELLED action, got %s", status.Action.Status)
	}
	for _, d := range status.Details {
		if d.Status != models.DetailCancelled {
			t.Fatalf("expected detail %d CANCELLED, got %s", d.ApplicantID, d.Status)
		}
	}
	for _, id := range []int64{1, 2} {
		key := scheduler.SubjectKey(id)
		if ok, _ := f.delay.Exists(ctx, key); ok {
			t.Fatalf("trigger %s survived cancel", key)
		}
		if ok, _ := f.delay.Exists(ctx, delaystore.BackupKey(key)); ok {
			t.Fatalf("backup %s survived cancel", key)
		}
	}

	again, err := f.svc.Cancel(ctx, owner, listID, res.ActionID)
	if err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	if !reflect.DeepEqual(again, status) {
		t.Fatalf("second cancel changed state: %+v vs %+v", again, status)
	}

	out := &captured{}
	deliverer := dispatcher.NewScheduleDeliverer(f.delay, f.repo, out, zerolog.Nop())
	if err := deliverer.Deliver(ctx, late); err != nil {
		t.Fatalf("late deliver: %v", err)
	}
	if len(out.out) != 0 {
		t.Fatalf("cancelled send was delivered: %+v", out.out)
	}
	d, _ := f.repo.GetDetail(ctx, res.ActionID, 1)
	if d.Status != models.DetailCancelled {
		t.Fatalf("expected detail to stay CANCELLED, got %s", d.Status)
	}
}

func TestCancelLeavesOtherActionsSlot(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	first, _ := f.svc.Send(ctx, owner, listID, []int64{1}, SendConfig{})

	key := scheduler.SubjectKey(1)
	raw, _, _ := f.delay.Get(ctx, delaystore.BackupKey(key))
	msg, _ := models.DecodeScheduled(raw)
	msg.ActionID = first.ActionID + 100
	foreign, _ := models.EncodeScheduled(msg)
	if err := f.delay.Set(ctx, delaystore.BackupKey(key), foreign); err != nil {
		t.Fatalf("set: %v", err)
	}

	if _, err := f.svc.Cancel(ctx, owner, listID, first.ActionID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if ok, _ := f.delay.Exists(ctx, delaystore.BackupKey(key)); !ok {
		t.Fatalf("backup owned by another action was removed")
	}
}

func TestOwnershipAndLookupErrors(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	stranger := Principal{ID: 99}

	if _, err := f.svc.Add(ctx, stranger, listID, []int64{2}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	list, _ := f.repo.GetList(ctx, listID)
	if len(list.Applicants) != 1 {
		t.Fatalf("forbidden call mutated the list: %v", list.Applicants)
	}
	if _, err := f.svc.Send(ctx, stranger, listID, []int64{1}, SendConfig{}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden on send, got %v", err)
	}
	if ok, _ := f.delay.Exists(ctx, scheduler.SubjectKey(1)); ok {
		t.Fatalf("forbidden send scheduled a message")
	}

	admin := Principal{ID: 1, Role: RoleAdmin}
	if _, err := f.svc.Add(ctx, admin, listID, []int64{2}); err != nil {
		t.Fatalf("admin add: %v", err)
	}

	if _, err := f.svc.Disable(ctx, owner, 404, []int64{1}); !errors.Is(err, ErrListNotFound) {
		t.Fatalf("expected ErrListNotFound, got %v", err)
	}
	if _, err := f.svc.Cancel(ctx, owner, listID, 404); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
	if _, err := f.svc.Add(ctx, owner, listID, nil); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}
	if _, err := f.svc.ListByList(ctx, owner, listID, "BOGUS", ""); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest for bad filter, got %v", err)
	}
}

func TestCancelRejectsActionFromAnotherList(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	other := f.repo.PutList(models.RecruiterList{ID: 11, RecruiterID: recruiterID, Name: "ops"})
	res, err := f.svc.Send(ctx, owner, other.ID, []int64{1}, SendConfig{})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, err := f.svc.Cancel(ctx, owner, listID, res.ActionID); !errors.Is(err, ErrActionNotFound) {
		t.Fatalf("expected ErrActionNotFound, got %v", err)
	}
}

func TestMembershipChangeFailsWhenListLocked(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	lock, err := redislock.New(f.redis).Obtain(ctx, "lock:list:10", 5*time.Second, nil)
	if err != nil {
		t.Fatalf("obtain: %v", err)
	}
	defer lock.Release(ctx)

	if _, err := f.svc.Add(ctx, owner, listID, []int64{2}); !errors.Is(err, ErrListBusy) {
		t.Fatalf("expected ErrListBusy, got %v", err)
	}
}

func TestListByListFilters(t *testing.T) {
	f := newFixture(t, 1)
	ctx := context.Background()
	f.svc.Add(ctx, owner, listID, []int64{2})
	f.svc.Disable(ctx, owner, listID, []int64{1})

	all, err := f.svc.ListByList(ctx, owner, listID, "", "")
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 actions, got %d err=%v", len(all), err)
	}
	adds, _ := f.svc.ListByList(ctx, owner, listID, "", models.ActionAdd)
	if len(adds) != 1 || adds[0].ActionType != models.ActionAdd {
		t.Fatalf("unexpected filtered actions %+v", adds)
	}
}
