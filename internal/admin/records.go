package admin

import (
	"context"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"projectsync/internal/model"
	"projectsync/pkg/util"
)

// timeNow is swapped in tests.
var timeNow = time.Now

type Approval struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
}

type Company struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
	Date  string `json:"date"`
}

type Subscription struct {
	ID      int64  `json:"id"`
	Company string `json:"company"`
	Plan    string `json:"plan"`
	Status  string `json:"status"`
}

const (
	StatusActive   = "Active"
	StatusInactive = "Inactive"
)

type ApprovalForm struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type CompanyForm struct {
	Name  string `json:"name" validate:"required"`
	Email string `json:"email" validate:"required,email"`
}

type SubscriptionForm struct {
	Company string `json:"company" validate:"required"`
	Plan    string `json:"plan" validate:"required"`
	Status  string `json:"status" validate:"omitempty,oneof=Active Inactive"`
}

type Stats struct {
	TotalCompanies      int `json:"totalCompanies"`
	ActiveSubscriptions int `json:"activeSubscriptions"`
	PendingApprovals    int `json:"pendingApprovals"`
}

var (
	defaultApprovals = []Approval{
		{ID: 1, Name: "NewTech", Email: "apply@newtech.com", Date: "2025-05-21"},
	}
	defaultCompanies = []Company{
		{ID: 1, Name: "Emaxy IT", Email: "admin@emaxyit.co.ke", Date: "2025-05-20"},
		{ID: 2, Name: "Catech", Email: "andrew@catech.co.ke", Date: "2025-05-19"},
		{ID: 3, Name: "TechPro", Email: "info@techpro.com", Date: "2025-05-18"},
	}
	defaultSubscriptions = []Subscription{
		{ID: 1, Company: "Emaxy IT", Plan: "Pro", Status: StatusActive},
		{ID: 2, Company: "Catech", Plan: "Basic", Status: StatusInactive},
	}
)

// Records serializes every load-modify-save cycle on the admin lists.
type Records struct {
	mu       sync.Mutex
	kv       *KV
	validate *util.Validator
	logger   *zap.Logger
}

func NewRecords(kv *KV, logger *zap.Logger) *Records {
	return &Records{kv: kv, validate: util.NewValidator(), logger: logger}
}

func today() string { return timeNow().Format("2006-01-02") }

// nextID derives an id from the clock, bumped past any id already taken.
func nextID(taken []int64) int64 {
	id := timeNow().UnixMilli()
	for _, t := range taken {
		if t >= id {
			id = t + 1
		}
	}
	return id
}

func notFound(kind string, id int64) error {
	return &model.NotFoundError{Kind: kind, ID: strconv.FormatInt(id, 10)}
}

func matches(term string, fields ...string) bool {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return true
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), term) {
			return true
		}
	}
	return false
}

func nonNil[T any](list []T) []T {
	if list == nil {
		return []T{}
	}
	return list
}

// ---- approvals ----

// Approvals lists pending requests whose name or email contains search.
func (r *Records) Approvals(ctx context.Context, search string) ([]Approval, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return nil, err
	}
	out := []Approval{}
	for _, a := range list {
		if matches(search, a.Name, a.Email) {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r *Records) AddApproval(ctx context.Context, f ApprovalForm) (Approval, error) {
	f.Name, f.Email = strings.TrimSpace(f.Name), strings.TrimSpace(f.Email)
	if err := r.validate.Struct(f); err != nil {
		return Approval{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return Approval{}, err
	}
	ids := make([]int64, len(list))
	for i, a := range list {
		ids[i] = a.ID
	}
	a := Approval{ID: nextID(ids), Name: f.Name, Email: f.Email, Date: today()}
	if err := r.kv.Save(ctx, keyPendingApprovals, append(list, a)); err != nil {
		return Approval{}, err
	}
	return a, nil
}

func (r *Records) EditApproval(ctx context.Context, id int64, f ApprovalForm) (Approval, error) {
	f.Name, f.Email = strings.TrimSpace(f.Name), strings.TrimSpace(f.Email)
	if err := r.validate.Struct(f); err != nil {
		return Approval{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return Approval{}, err
	}
	for i := range list {
		if list[i].ID == id {
			list[i].Name, list[i].Email = f.Name, f.Email
			if err := r.kv.Save(ctx, keyPendingApprovals, list); err != nil {
				return Approval{}, err
			}
			return list[i], nil
		}
	}
	return Approval{}, notFound("approval", id)
}

// Approve moves a pending request into the company list, dated today.
func (r *Records) Approve(ctx context.Context, id int64) (Company, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return Company{}, err
	}
	idx := -1
	for i, a := range pending {
		if a.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return Company{}, notFound("approval", id)
	}
	companies, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return Company{}, err
	}
	ids := make([]int64, len(companies))
	for i, c := range companies {
		ids[i] = c.ID
	}

	a := pending[idx]
	c := Company{ID: nextID(ids), Name: a.Name, Email: a.Email, Date: today()}
	if err := r.kv.Save(ctx, keyRecentCompanies, append(companies, c)); err != nil {
		return Company{}, err
	}
	rest := append(pending[:idx:idx], pending[idx+1:]...)
	if err := r.kv.Save(ctx, keyPendingApprovals, nonNil(rest)); err != nil {
		return Company{}, err
	}
	r.logger.Info("Approval accepted", zap.Int64("approval_id", id), zap.String("company", c.Name))
	return c, nil
}

func (r *Records) Reject(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return err
	}
	for i, a := range list {
		if a.ID == id {
			rest := append(list[:i:i], list[i+1:]...)
			return r.kv.Save(ctx, keyPendingApprovals, nonNil(rest))
		}
	}
	return notFound("approval", id)
}

// ---- companies ----

func (r *Records) Companies(ctx context.Context, search string) ([]Company, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return nil, err
	}
	out := []Company{}
	for _, c := range list {
		if matches(search, c.Name, c.Email) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (r *Records) AddCompany(ctx context.Context, f CompanyForm) (Company, error) {
	f.Name, f.Email = strings.TrimSpace(f.Name), strings.TrimSpace(f.Email)
	if err := r.validate.Struct(f); err != nil {
		return Company{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return Company{}, err
	}
	ids := make([]int64, len(list))
	for i, c := range list {
		ids[i] = c.ID
	}
	c := Company{ID: nextID(ids), Name: f.Name, Email: f.Email, Date: today()}
	if err := r.kv.Save(ctx, keyRecentCompanies, append(list, c)); err != nil {
		return Company{}, err
	}
	return c, nil
}

// EditCompany changes name and email; the sign-up date is kept.
func (r *Records) EditCompany(ctx context.Context, id int64, f CompanyForm) (Company, error) {
	f.Name, f.Email = strings.TrimSpace(f.Name), strings.TrimSpace(f.Email)
	if err := r.validate.Struct(f); err != nil {
		return Company{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return Company{}, err
	}
	for i := range list {
		if list[i].ID == id {
			list[i].Name, list[i].Email = f.Name, f.Email
			if err := r.kv.Save(ctx, keyRecentCompanies, list); err != nil {
				return Company{}, err
			}
			return list[i], nil
		}
	}
	return Company{}, notFound("company", id)
}

func (r *Records) DeleteCompany(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return err
	}
	for i, c := range list {
		if c.ID == id {
			rest := append(list[:i:i], list[i+1:]...)
			return r.kv.Save(ctx, keyRecentCompanies, nonNil(rest))
		}
	}
	return notFound("company", id)
}

// ---- subscriptions ----

// Subscriptions matches search against company, plan and status.
func (r *Records) Subscriptions(ctx context.Context, search string) ([]Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keySubscriptions, defaultSubscriptions)
	if err != nil {
		return nil, err
	}
	out := []Subscription{}
	for _, s := range list {
		if matches(search, s.Company, s.Plan, s.Status) {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *SubscriptionForm) normalize() {
	f.Company, f.Plan = strings.TrimSpace(f.Company), strings.TrimSpace(f.Plan)
	if f.Status == "" {
		f.Status = StatusActive
	}
}

func (r *Records) AddSubscription(ctx context.Context, f SubscriptionForm) (Subscription, error) {
	f.normalize()
	if err := r.validate.Struct(f); err != nil {
		return Subscription{}, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keySubscriptions, defaultSubscriptions)
	if err != nil {
		return Subscription{}, err
	}
	ids := make([]int64, len(list))
	for i, s := range list {
		ids[i] = s.ID
	}
	s := Subscription{ID: nextID(ids), Company: f.Company, Plan: f.Plan, Status: f.Status}
	if err := r.kv.Save(ctx, keySubscriptions, append(list, s)); err != nil {
		return Subscription{}, err
	}
	return s, nil
}

func (r *Records) EditSubscription(ctx context.Context, id int64, f SubscriptionForm) (Subscription, error) {
	f.normalize()
	if err := r.validate.Struct(f); err != nil {
		return Subscription{}, err
	}
	return r.updateSubscription(ctx, id, func(s *Subscription) {
		s.Company, s.Plan, s.Status = f.Company, f.Plan, f.Status
	})
}

// ToggleSubscription flips Active and Inactive.
func (r *Records) ToggleSubscription(ctx context.Context, id int64) (Subscription, error) {
	return r.updateSubscription(ctx, id, func(s *Subscription) {
		if s.Status == StatusActive {
			s.Status = StatusInactive
		} else {
			s.Status = StatusActive
		}
	})
}

func (r *Records) updateSubscription(ctx context.Context, id int64, fn func(*Subscription)) (Subscription, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keySubscriptions, defaultSubscriptions)
	if err != nil {
		return Subscription{}, err
	}
	for i := range list {
		if list[i].ID == id {
			fn(&list[i])
			if err := r.kv.Save(ctx, keySubscriptions, list); err != nil {
				return Subscription{}, err
			}
			return list[i], nil
		}
	}
	return Subscription{}, notFound("subscription", id)
}

func (r *Records) DeleteSubscription(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	list, err := loadList(ctx, r.kv, keySubscriptions, defaultSubscriptions)
	if err != nil {
		return err
	}
	for i, s := range list {
		if s.ID == id {
			rest := append(list[:i:i], list[i+1:]...)
			return r.kv.Save(ctx, keySubscriptions, nonNil(rest))
		}
	}
	return notFound("subscription", id)
}

// Stats counts companies, active subscriptions and pending approvals.
func (r *Records) Stats(ctx context.Context) (Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	pending, err := loadList(ctx, r.kv, keyPendingApprovals, defaultApprovals)
	if err != nil {
		return Stats{}, err
	}
	companies, err := loadList(ctx, r.kv, keyRecentCompanies, defaultCompanies)
	if err != nil {
		return Stats{}, err
	}
	subs, err := loadList(ctx, r.kv, keySubscriptions, defaultSubscriptions)
	if err != nil {
		return Stats{}, err
	}
	st := Stats{TotalCompanies: len(companies), PendingApprovals: len(pending)}
	for _, s := range subs {
		if s.Status == StatusActive {
			st.ActiveSubscriptions++
		}
	}
	return st, nil
}
