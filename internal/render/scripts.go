package render

import (
	"encoding/json"
	"fmt"

	"github.com/JakeFAU/meo-rank-tracker/internal/rank"
)

const consentJS = `(function (selectors) {
  for (const sel of selectors) {
    const btn = document.querySelector(sel);
    if (btn) { btn.click(); return true; }
  }
  return false;
})(%s)`

const revealJS = `(function (feedSel, entrySel) {
  const feed = document.querySelector(feedSel);
  if (feed) { feed.scrollTo(0, feed.scrollHeight); return true; }
  const items = document.querySelectorAll(entrySel);
  if (items.length > 0) { items[items.length - 1].scrollIntoView(); return true; }
  window.scrollTo(0, document.body.scrollHeight);
  return false;
})(%s, %s)`

const measureJS = `(function (feedSel, entrySel) {
  const feed = document.querySelector(feedSel);
  const extent = feed ? feed.scrollHeight : document.body.scrollHeight;
  return { entries: document.querySelectorAll(entrySel).length, extent: extent };
})(%s, %s)`

const entriesJS = `(function (entrySel, attempts, limit) {
  const out = [];
  const items = document.querySelectorAll(entrySel);
  for (let i = 0; i < items.length && i < limit; i++) {
    const item = items[i];
    out.push(attempts.map(function (a) {
      const el = a.selector ? item.querySelector(a.selector) : item;
      if (!el) { return ""; }
      const v = a.attribute ? el.getAttribute(a.attribute) : el.textContent;
      return v || "";
    }));
  }
  return out;
})(%s, %s, %d)`

func consentScript(selectors []string) (string, error) {
	sels, err := jsArg(selectors)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(consentJS, sels), nil
}

func revealScript(feedSel, entrySel string) (string, error) {
	return pairScript(revealJS, feedSel, entrySel)
}

func measureScript(feedSel, entrySel string) (string, error) {
	return pairScript(measureJS, feedSel, entrySel)
}

func entriesScript(entrySel string, attempts []rank.Attempt, limit int) (string, error) {
	if limit < 0 {
		limit = 0
	}
	if attempts == nil {
		attempts = []rank.Attempt{}
	}
	sel, err := jsArg(entrySel)
	if err != nil {
		return "", err
	}
	list, err := jsArg(attempts)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(entriesJS, sel, list, limit), nil
}

func pairScript(tmpl, a, b string) (string, error) {
	first, err := jsArg(a)
	if err != nil {
		return "", err
	}
	second, err := jsArg(b)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf(tmpl, first, second), nil
}

// jsArg encodes v as a JavaScript literal.
func jsArg(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode script argument: %w", err)
	}
	return string(b), nil
}
