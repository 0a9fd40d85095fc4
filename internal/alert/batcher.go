package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/tbourn/go-delivery-alerts/internal/domain"
	"github.com/tbourn/go-delivery-alerts/internal/rules"
	"github.com/tbourn/go-delivery-alerts/internal/slack"
)

// ErrNotificationFailed is reported when an alert message could not be
// delivered. Dedup state is persisted regardless.
var ErrNotificationFailed = errors.New("alert: notification failed")

// MaxLinkText is the rune limit for line item link labels.
const MaxLinkText = 60

// Directory resolves messaging handles.
type Directory interface {
	LookupUserByEmail(ctx context.Context, email string) (string, error)
}

// Poster delivers a composed message to a webhook.
type Poster interface {
	PostWebhook(ctx context.Context, webhookURL string, msg slack.Message) error
}

// Batcher renders and sends one message per rule. Owner lookups are paced
// by Limiter to stay under the messaging platform's rate limits.
type Batcher struct {
	Directory   Directory
	Poster      Poster
	Webhook     string
	NetworkCode string
	Limiter     *rate.Limiter
}

// NewBatcher returns a batcher that waits delay between owner lookups.
func NewBatcher(dir Directory, poster Poster, webhook, networkCode string, delay time.Duration) *Batcher {
	lim := rate.NewLimiter(rate.Inf, 1)
	if delay > 0 {
		lim = rate.NewLimiter(rate.Every(delay), 1)
	}
	return &Batcher{Directory: dir, Poster: poster, Webhook: webhook, NetworkCode: networkCode, Limiter: lim}
}

// Outcome summarizes one Notify call.
type Outcome struct {
	Rule     string
	Rows     int
	Groups   int
	Resolved int
	Sent     bool
	Err      error
}

// Resolve looks up a handle for email. Absence and lookup failures both
// return ok=false so the caller can fall back to the email text.
func (b *Batcher) Resolve(ctx context.Context, email string) (string, bool) {
	if b.Directory == nil || email == "" {
		return "", false
	}
	id, err := b.Directory.LookupUserByEmail(ctx, email)
	if err != nil {
		log.Warn().Err(err).Str("email", email).Msg("user lookup failed; using email text")
		return "", false
	}
	if id == "" {
		log.Warn().Str("email", email).Msg("user not found; using email text")
		return "", false
	}
	return id, true
}

// LineItemURL links to the line item settings page in Ad Manager.
func LineItemURL(networkCode, lineItemID string) string {
	return fmt.Sprintf("https://admanager.google.com/%s#delivery/line_item/detail/line_item_id=%s&li_tab=settings", networkCode, lineItemID)
}

// Shorten truncates s to n runes, marking the cut with " ...".
func Shorten(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + " ..."
}

// sortRows orders rows by line item id descending (numerically when both
// parse), then by creative name.
func sortRows(rows []domain.ViolationRow) []domain.ViolationRow {
	out := append([]domain.ViolationRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i].Value(domain.FieldLineItemID), out[j].Value(domain.FieldLineItemID)
		if a != b {
			ai, errA := strconv.ParseInt(a, 10, 64)
			bi, errB := strconv.ParseInt(b, 10, 64)
			if errA == nil && errB == nil {
				return ai > bi
			}
			return a > b
		}
		return out[i].Value(domain.FieldCreativeName) < out[j].Value(domain.FieldCreativeName)
	})
	return out
}

// Render builds one owner's fragment: a bullet naming the owner (mention
// when handle is set, identity text otherwise), the ordered violations, and
// a blank spacer line.
func (b *Batcher) Render(g OwnerGroup, handle string) []slack.Element {
	who := slack.TextElement(g.Owner.Identity)
	if handle != "" {
		who = slack.UserElement(handle)
	}

	rows := sortRows(g.Rows)
	items := make([]slack.Element, len(rows))
	for i, r := range rows {
		size := r.Value(domain.FieldCreativeSize)
		label := Shorten(r.Value(domain.FieldLineItemName)+" | "+size, MaxLinkText)
		items[i] = slack.Section(
			slack.LinkElement(LineItemURL(b.NetworkCode, r.Value(domain.FieldLineItemID)), label),
			slack.TextElement(" : Creative Size = "+size),
		)
	}

	return []slack.Element{
		slack.BulletList(0, slack.Section(who)),
		slack.OrderedList(1, items...),
		slack.Section(slack.TextElement("\n")),
	}
}

// Compose wraps owner fragments in the rule's header, description and
// divider. No fragments yields an empty message.
func Compose(r rules.Rule, fragments []slack.Element) slack.Message {
	if len(fragments) == 0 {
		return slack.Message{}
	}
	title := r.Title
	if title == "" {
		title = r.Name
	}
	blocks := []slack.Block{slack.Header(title)}
	if r.Description != "" {
		blocks = append(blocks, slack.PlainSection(r.Description))
	}
	blocks = append(blocks, slack.Divider(), slack.RichText(fragments...))
	return slack.Message{Blocks: blocks}
}

// Dispatch sends msg in a single call. An empty message is not sent and
// reports false.
func (b *Batcher) Dispatch(ctx context.Context, msg slack.Message) bool {
	return b.dispatch(ctx, msg) == nil
}

var errEmptyMessage = errors.New("empty message")

func (b *Batcher) dispatch(ctx context.Context, msg slack.Message) error {
	if msg.Empty() {
		log.Info().Msg("no message to send; skipping notification")
		return errEmptyMessage
	}
	if b.Poster == nil || b.Webhook == "" {
		return fmt.Errorf("%w: no webhook configured", ErrNotificationFailed)
	}
	if err := b.Poster.PostWebhook(ctx, b.Webhook, msg); err != nil {
		log.Error().Err(err).Msg("failed to send notification")
		return fmt.Errorf("%w: %v", ErrNotificationFailed, err)
	}
	log.Info().Int("blocks", len(msg.Blocks)).Msg("notification sent")
	return nil
}

// Notify groups rows by r's owner field, resolves each owner, and sends a
// single message. No rows means nothing is sent and no error.
func (b *Batcher) Notify(ctx context.Context, r rules.Rule, rows []domain.ViolationRow) Outcome {
	out := Outcome{Rule: r.Name, Rows: len(rows)}
	if len(rows) == 0 {
		return out
	}
	ownerField := r.OwnerField
	if ownerField == "" {
		ownerField = domain.FieldOrderTrafficker
	}

	groups := GroupByOwner(rows, ownerField)
	out.Groups = len(groups)

	var fragments []slack.Element
	for _, g := range groups {
		if g.Owner.Kind == OwnerRaw {
			log.Debug().Str("owner", g.Owner.Raw).Msg("owner has no parenthesized email; using raw value")
		}
		if b.Limiter != nil {
			if err := b.Limiter.Wait(ctx); err != nil {
				out.Err = fmt.Errorf("%w: %v", ErrNotificationFailed, err)
				return out
			}
		}
		handle, ok := b.Resolve(ctx, g.Owner.Identity)
		if ok {
			out.Resolved++
		}
		fragments = append(fragments, b.Render(g, handle)...)
	}

	if err := b.dispatch(ctx, Compose(r, fragments)); err != nil {
		out.Err = err
		return out
	}
	out.Sent = true
	log.Info().Str("rule", r.Name).Int("rows", out.Rows).Int("owners", out.Groups).Int("resolved", out.Resolved).Msg("alert batch sent")
	return out
}
