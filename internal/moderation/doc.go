// Package moderation is the automod engine.
//
// One inbound message flows through the evaluators (rules, spam, links,
// language, attachments, classifier), the resolver and escalation policy, and
// finally the Executor which applies the action against a Platform. Temporary
// sanctions live in a SanctionStore and are lifted by Expirer ticks.
//
// The engine has no network surface of its own; the hosting process calls
// Engine.HandleMessage once per message and schedules Expirer.Tick.
package moderation
