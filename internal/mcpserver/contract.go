package mcpserver

// WorkspaceFormat describes the files an assistant reads and writes in the
// workspace. It is served as the mimir://workspace-format resource.
const WorkspaceFormat = `# Mimir Workspace Format

The workspace is a directory of Markdown files. Everything in it is indexed for
search; nothing outside it is visible.

## MEMORY.md

Curated long-term memory: stable facts about the user, their preferences and
ongoing projects. Keep it short and current. It is injected into every
conversation ahead of search results.

## memory/YYYY-MM-DD.md

One append-only log per day. Each entry is a level-two heading with the local
time and a subject, followed by the body:

` + "```" + `markdown
# 2026-05-04

## 14:02 Session 01J... compaction

- The user prefers green tea.
` + "```" + `

Use the ` + "`append_daily_log`" + ` tool to add entries; never rewrite earlier entries.

## HEARTBEAT.md

A checklist of tasks the scheduler runs during active hours:

` + "```" + `markdown
- [ ] pending task
- [x] completed task
- [!] failed task
` + "```" + `

Only pending tasks are run. Status markers are rewritten in place after each run;
tasks are never removed automatically.
`
