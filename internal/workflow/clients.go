package workflow

import (
	"context"
	"fmt"
	"strings"

	contracts "projectsync/contracts/mq"
	"projectsync/internal/model"
	"projectsync/internal/store"
)

// AddClient adds a name to the client directory. Names are unique
// ignoring case.
func (e *Engine) AddClient(ctx context.Context, actor model.Identity, name string) (string, error) {
	name, err := required("name", name)
	if err != nil {
		return "", err
	}
	for _, c := range e.cache.Read().Clients() {
		if strings.EqualFold(c.Name, name) {
			return "", fmt.Errorf("%w: client %q already exists", model.ErrConflict, c.Name)
		}
	}

	var id string
	err = e.exec(ctx, "client.add", func() error {
		var err error
		id, err = e.gw.Create(ctx, store.Clients(), store.Fields{"name": name})
		return err
	})
	if err != nil {
		return "", err
	}

	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ClientAdded,
		ClientID:   id,
		Attributes: map[string]string{"name": name},
	})
	return id, nil
}

func (e *Engine) DeleteClient(ctx context.Context, actor model.Identity, id string) error {
	var found *model.Client
	for _, c := range e.cache.Read().Clients() {
		if c.ID == id {
			found = &c
			break
		}
	}
	if found == nil {
		return &model.NotFoundError{Kind: "client", ID: id}
	}

	if err := e.exec(ctx, "client.delete", func() error {
		return e.gw.Delete(ctx, store.Clients().Doc(id))
	}); err != nil {
		return err
	}

	e.publish(ctx, actor, contracts.ActivityEvent{
		Type:       contracts.ClientDeleted,
		ClientID:   id,
		Attributes: map[string]string{"name": found.Name},
	})
	return nil
}
