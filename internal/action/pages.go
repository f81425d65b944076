package action

import (
	"context"
	"errors"

	"github.com/seantiz/shopagent/internal/browser"
)

// navigate opens the URL stored under key.
func navigate(ctx context.Context, env Env, key string) error {
	url := env.Locators.Value(key)
	if url == "" {
		return fail(CodeConfig, nil, "locator %s not configured for site %s", key, env.Locators.Site())
	}
	if err := env.Session.Navigate(ctx, url); err != nil {
		return fail(CodeNavigation, err, "cannot open %s", url)
	}
	return nil
}

// selector resolves key or reports a configuration failure.
func selector(env Env, key string) (browser.Selector, error) {
	sel, ok := env.Locators.Selector(key)
	if !ok {
		return browser.Selector{}, fail(CodeConfig, nil, "locator %s not configured for site %s", key, env.Locators.Site())
	}
	return sel, nil
}

// search types keyword into the product list search box and runs the
// search, with the search button when the page has one and Enter otherwise.
func search(ctx context.Context, env Env, keyword string) error {
	input, err := selector(env, "product_list.search_input")
	if err != nil {
		return err
	}
	if err := env.Session.Fill(ctx, input, keyword); err != nil {
		return fail(CodeSearch, err, "cannot enter search keyword %q", keyword)
	}

	if button, ok := env.Locators.Selector("product_list.search_button"); ok {
		err := env.Session.Click(ctx, button)
		if err == nil {
			return nil
		}
		if !errors.Is(err, browser.ErrNoSuchElement) {
			return fail(CodeSearch, err, "cannot run search for %q", keyword)
		}
	}
	if err := env.Session.Submit(ctx, input); err != nil {
		return fail(CodeSearch, err, "cannot run search for %q", keyword)
	}
	return nil
}

// optionalText reads the element under key, returning "" when it is not on
// the page.
func optionalText(ctx context.Context, env Env, key string) (string, error) {
	sel, ok := env.Locators.Selector(key)
	if !ok {
		return "", nil
	}
	text, err := env.Session.Text(ctx, sel)
	if errors.Is(err, browser.ErrNoSuchElement) {
		return "", nil
	}
	return text, err
}
