package chromedriver

import (
	"encoding/json"
	"fmt"
)

// jsString renders s as a JavaScript string literal.
func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// The scripts below run as one expression and return plain JSON values so they
// can be evaluated with returnByValue.

func clickScript(selector string, index int) string {
	return fmt.Sprintf(`(() => {
  const els = document.querySelectorAll(%s);
  if (els.length > %d) {
    els[%d].scrollIntoView({block: "center"});
    els[%d].click();
  }
  return els.length;
})()`, jsString(selector), index, index, index)
}

func typeScript(selector, text string) string {
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  if (!el) return false;
  el.focus();
  el.value = %s;
  el.dispatchEvent(new Event("input", {bubbles: true}));
  el.dispatchEvent(new Event("change", {bubbles: true}));
  return true;
})()`, jsString(selector), jsString(text))
}

func scrollScript(direction string, amount int) string {
	return fmt.Sprintf(`(() => {
  const root = document.scrollingElement || document.documentElement;
  const max = Math.max(0, root.scrollHeight - window.innerHeight);
  switch (%s) {
    case "up": window.scrollBy(0, -%d); break;
    case "top": window.scrollTo(0, 0); break;
    case "bottom": window.scrollTo(0, max); break;
    default: window.scrollBy(0, %d);
  }
  return {offset: Math.round(window.scrollY), maxOffset: Math.round(max)};
})()`, jsString(direction), amount, amount)
}

// lookup is the shape returned by htmlScript and textScript.
type lookup struct {
	Found bool   `json:"found"`
	Value string `json:"value"`
}

func htmlScript(selector string) string {
	if selector == "" {
		return `({found: true, value: document.documentElement.outerHTML})`
	}
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  return el ? {found: true, value: el.outerHTML} : {found: false, value: ""};
})()`, jsString(selector))
}

func textScript(selector string) string {
	if selector == "" {
		return `({found: true, value: (document.body ? document.body.innerText : "").trim()})`
	}
	return fmt.Sprintf(`(() => {
  const el = document.querySelector(%s);
  return el ? {found: true, value: (el.innerText || el.textContent || "").trim()} : {found: false, value: ""};
})()`, jsString(selector))
}

const allTextTags = "span, div, td, p, h1, h2, h3, h4, h5, h6"

func allTextScript(limit int) string {
	return fmt.Sprintf(`(() => {
  const out = [];
  for (const el of document.querySelectorAll(%s)) {
    const text = (el.innerText || "").trim();
    if (text && text.length < 50) out.push({text: text, tag: el.tagName});
    if (%d > 0 && out.length >= %d) break;
  }
  return out;
})()`, jsString(allTextTags), limit, limit)
}

func findScript(selector string, limit int) string {
	return fmt.Sprintf(`(() => {
  const els = Array.from(document.querySelectorAll(%s));
  const take = %d > 0 ? els.slice(0, %d) : els;
  return {
    total: els.length,
    elements: take.map((el, i) => {
      const style = window.getComputedStyle(el);
      return {
        index: i,
        tag: el.tagName,
        id: el.id || "",
        text: (el.innerText || el.textContent || "").trim().slice(0, 100),
        className: String(el.className || "").slice(0, 50),
        visible: style.display !== "none" && style.visibility !== "hidden" && el.getClientRects().length > 0,
      };
    }),
  };
})()`, jsString(selector), limit, limit)
}
