package action

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/seantiz/shopagent/internal/browser"
)

const updateTitleTimeout = 3 * time.Minute

type updateTitleParams struct {
	ProductID   string `json:"product_id"`
	NewTitle    string `json:"new_title"`
	ProductName string `json:"product_name"`
}

func (p *updateTitleParams) Validate() error {
	p.ProductID = strings.TrimSpace(p.ProductID)
	p.NewTitle = strings.TrimSpace(p.NewTitle)
	switch {
	case p.ProductID == "":
		return errors.New("product_id is required")
	case p.NewTitle == "":
		return errors.New("new_title is required")
	}
	return nil
}

// UpdateTitle renames a product. In dry-run it locates the product and
// reads its current title but never opens the editor or saves.
//
// Payload: {"product_id": string, "new_title": string, "product_name": string}
// (product_name, when given, is the search query).
// Result: {"product_id", "before_title", "after_title", "dry_run"}, plus
// "proposed_title" in dry-run.
func UpdateTitle() Handler {
	return Define("update_title", updateTitleTimeout, updateTitle)
}

func updateTitle(ctx context.Context, env Env, p updateTitleParams) (map[string]any, error) {
	if err := navigate(ctx, env, "product_list.entry_url"); err != nil {
		return nil, err
	}

	query := p.ProductName
	if query == "" {
		query = p.ProductID
	}
	if err := search(ctx, env, query); err != nil {
		return nil, err
	}

	before, err := optionalText(ctx, env, "product_list.product_name")
	if err != nil {
		return nil, fail(CodeDataExtraction, err, "cannot read current title of %s", p.ProductID)
	}

	if env.DryRun {
		return map[string]any{
			"product_id":     p.ProductID,
			"before_title":   before,
			"after_title":    before,
			"proposed_title": p.NewTitle,
			"dry_run":        true,
		}, nil
	}

	edit, err := selector(env, "product_list.edit_btn")
	if err != nil {
		return nil, err
	}
	if err := env.Session.Click(ctx, edit); err != nil {
		return nil, fail(CodeProductNotFound, err, "cannot open editor for %s", p.ProductID)
	}

	title, err := selector(env, "product_edit.title_input")
	if err != nil {
		return nil, err
	}
	if err := env.Session.Fill(ctx, title, p.NewTitle); err != nil {
		return nil, fail(CodeUpdate, err, "cannot fill title field")
	}

	save, err := selector(env, "product_edit.save_btn")
	if err != nil {
		return nil, err
	}
	if err := env.Session.Click(ctx, save); err != nil {
		return nil, fail(CodeSave, err, "cannot click save")
	}

	if err := checkSaveToast(ctx, env); err != nil {
		return nil, err
	}

	return map[string]any{
		"product_id":   p.ProductID,
		"before_title": before,
		"after_title":  p.NewTitle,
		"dry_run":      false,
	}, nil
}

// checkSaveToast fails when the page shows an error toast. Without any
// toast the save is taken as successful.
func checkSaveToast(ctx context.Context, env Env) error {
	sel, ok := env.Locators.Selector("product_edit.error_toast")
	if !ok {
		return nil
	}
	shown, err := env.Session.Exists(ctx, sel)
	if err != nil || !shown {
		return nil
	}
	msg, err := env.Session.Text(ctx, sel)
	if err != nil && !errors.Is(err, browser.ErrNoSuchElement) {
		msg = err.Error()
	}
	return fail(CodeSave, nil, "save rejected: %s", msg)
}
