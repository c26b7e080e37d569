package workflow

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"go.uber.org/zap"

	contracts "projectsync/contracts/mq"
	"projectsync/internal/model"
	"projectsync/internal/progress"
	"projectsync/internal/store"
	"projectsync/pkg/logger"
)

// ProjectDraft is the input of CreateProject.
type ProjectDraft struct {
	Name        string `json:"name" validate:"required"`
	Client      string `json:"client" validate:"required"`
	ClientID    string `json:"clientId"`
	Description string `json:"description"`
	Deadline    string `json:"deadline" validate:"omitempty,datetime=2006-01-02"`
	Type        string `json:"type" validate:"required"`
	FileURL     string `json:"fileUrl" validate:"omitempty,url"`
}

func (d *ProjectDraft) trim() {
	d.Name = strings.TrimSpace(d.Name)
	d.Client = strings.TrimSpace(d.Client)
	d.ClientID = strings.TrimSpace(d.ClientID)
	d.Description = strings.TrimSpace(d.Description)
	d.Deadline = strings.TrimSpace(d.Deadline)
	d.FileURL = strings.TrimSpace(d.FileURL)
}

// ProjectPatch carries the editable descriptive fields. Nil means
// unchanged. The type is changed through ChangeProjectType only.
type ProjectPatch struct {
	Name        *string `json:"name"`
	Client      *string `json:"client"`
	ClientID    *string `json:"clientId"`
	Description *string `json:"description"`
	Deadline    *string `json:"deadline"`
	FileURL     *string `json:"fileUrl"`
}

// CreateProject stores a new project whose progress holds every step of
// its type, all false.
func (e *Engine) CreateProject(ctx context.Context, actor model.Identity, d ProjectDraft) (string, error) {
	d.trim()
	if err := e.validate.Struct(d); err != nil {
		return "", err
	}
	prog, err := progress.ForType(d.Type)
	if err != nil {
		return "", &model.ValidationError{Field: "type", Message: err.Error()}
	}

	fields := store.Fields{
		"name":        d.Name,
		"client":      d.Client,
		"clientId":    d.ClientID,
		"description": d.Description,
		"deadline":    d.Deadline,
		"companyId":   companyOf(actor),
		"type":        d.Type,
		"fileUrl":     d.FileURL,
		"progress":    prog,
		"createdAt":   store.ServerTimestamp,
	}

	var id string
	err = e.exec(ctx, "project.create", func() error {
		var err error
		id, err = e.gw.Create(ctx, store.Projects(), fields)
		return err
	})
	if err != nil {
		return "", err
	}

	logger.WithTrace(ctx, e.logger).Info("Project created",
		zap.String("project_id", id), zap.String("type", d.Type))
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ProjectCreated,
		ProjectID:  id,
		ClientID:   d.ClientID,
		Attributes: map[string]string{"name": d.Name, "type": d.Type},
	})
	return id, nil
}

// UpdateProject writes the non-nil fields of patch. An empty patch is a
// no-op.
func (e *Engine) UpdateProject(ctx context.Context, actor model.Identity, id string, patch ProjectPatch) error {
	var updates []store.FieldUpdate
	set := func(field string, v *string, mandatory bool) error {
		if v == nil {
			return nil
		}
		val := strings.TrimSpace(*v)
		if mandatory && val == "" {
			return &model.ValidationError{Field: field, Message: "must not be empty"}
		}
		updates = append(updates, store.Set(val, field))
		return nil
	}
	for _, f := range []struct {
		name      string
		v         *string
		mandatory bool
	}{
		{"name", patch.Name, true},
		{"client", patch.Client, true},
		{"clientId", patch.ClientID, false},
		{"description", patch.Description, false},
		{"deadline", patch.Deadline, false},
		{"fileUrl", patch.FileURL, false},
	} {
		if err := set(f.name, f.v, f.mandatory); err != nil {
			return err
		}
	}
	if patch.Deadline != nil && strings.TrimSpace(*patch.Deadline) != "" {
		check := struct {
			Deadline string `json:"deadline" validate:"datetime=2006-01-02"`
		}{strings.TrimSpace(*patch.Deadline)}
		if err := e.validate.Struct(check); err != nil {
			return err
		}
	}
	if len(updates) == 0 {
		return nil
	}

	p, err := e.project(id)
	if err != nil {
		return err
	}
	if err := authorize(actor, p); err != nil {
		return err
	}

	if err := e.exec(ctx, "project.update", func() error {
		return e.gw.Update(ctx, store.Projects().Doc(id), updates...)
	}); err != nil {
		return err
	}

	changed := make([]string, len(updates))
	for i, u := range updates {
		changed[i] = u.Path[0]
	}
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ProjectUpdated,
		ProjectID:  id,
		Attributes: map[string]string{"fields": strings.Join(changed, ",")},
	})
	return nil
}

// ErrResetNotConfirmed is returned when a type change would discard
// recorded progress without the caller confirming it.
var ErrResetNotConfirmed = errors.New("changing the project type resets its progress")

// ChangeProjectType replaces the type and resets progress to the new
// type's steps. The reset is destructive, so confirmReset must be set.
// Changing to the current type is a no-op.
func (e *Engine) ChangeProjectType(ctx context.Context, actor model.Identity, id, projectType string, confirmReset bool) error {
	projectType = strings.TrimSpace(projectType)
	prog, err := progress.ForType(projectType)
	if err != nil {
		return &model.ValidationError{Field: "type", Message: err.Error()}
	}
	p, err := e.project(id)
	if err != nil {
		return err
	}
	if err := authorize(actor, p); err != nil {
		return err
	}
	if p.Type == projectType {
		return nil
	}
	if !confirmReset {
		return &model.ValidationError{Field: "confirmReset", Message: ErrResetNotConfirmed.Error()}
	}

	if err := e.exec(ctx, "project.change_type", func() error {
		return e.gw.Update(ctx, store.Projects().Doc(id),
			store.Set(projectType, "type"),
			store.Set(prog, "progress"),
		)
	}); err != nil {
		return err
	}

	logger.WithTrace(ctx, e.logger).Info("Project type changed, progress reset",
		zap.String("project_id", id), zap.String("from", p.Type), zap.String("to", projectType))
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ProjectTypeChanged,
		ProjectID:  id,
		Attributes: map[string]string{"from": p.Type, "to": projectType},
	})
	return nil
}

// ToggleStep flips one step of a project's progress and returns the new
// value. Only that step's field is written.
func (e *Engine) ToggleStep(ctx context.Context, actor model.Identity, projectID, step string) (bool, error) {
	p, err := e.project(projectID)
	if err != nil {
		return false, err
	}
	if err := authorize(actor, p); err != nil {
		return false, err
	}
	next, err := p.Progress.Toggle(step)
	if err != nil {
		return false, &model.ValidationError{Field: "step", Message: err.Error()}
	}
	done, _ := next.Get(step)

	if err := e.exec(ctx, "project.toggle_step", func() error {
		return e.gw.Update(ctx, store.Projects().Doc(projectID), store.Set(done, "progress", step))
	}); err != nil {
		return false, err
	}

	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:      contracts.ProjectStepToggled,
		ProjectID: projectID,
		Attributes: map[string]string{
			"step":     step,
			"done":     strconv.FormatBool(done),
			"complete": strconv.FormatBool(next.IsComplete()),
		},
	})
	return done, nil
}

// DeleteProject removes the project together with every suggestion and
// reply stored beneath it. The cascade runs in the store, so children the
// cache has not seen yet go too.
func (e *Engine) DeleteProject(ctx context.Context, actor model.Identity, id string) error {
	p, err := e.project(id)
	if err != nil {
		return err
	}
	if err := authorize(actor, p); err != nil {
		return err
	}

	var removed int
	if err := e.exec(ctx, "project.delete", func() error {
		var err error
		removed, err = e.gw.DeleteTree(ctx, store.Projects().Doc(id))
		return err
	}); err != nil {
		return err
	}

	logger.WithTrace(ctx, e.logger).Info("Project deleted",
		zap.String("project_id", id), zap.Int("documents", removed))
	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ProjectDeleted,
		ProjectID:  id,
		Attributes: map[string]string{"name": p.Name},
	})
	return nil
}
