// Package cron parses Unix-cron-style expressions, extended with the `?`,
// `L`, `W` and `#` tokens, and evaluates them against a time.Time to find
// the next fire instant strictly after it.
//
// Day-of-week follows the 1=Sunday..7=Saturday convention. Field layout is
// six or seven whitespace-separated fields:
//
//	seconds minutes hours day-of-month month day-of-week [year]
//
// This is modeled on the bitset-and-bump traversal used by
// github.com/robfig/cron (and its netresearch/go-cron fork), extended with
// the `?`/`L`/`W`/`#` handling from Quartz's CronExpression.
package cron
