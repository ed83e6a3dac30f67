// Package schedule provides schedules for recurring broker jobs such as the
// retention sweep.
//
//   - Every() for fixed-interval schedules
//   - Cron() and ParseCron() for five-field cron expressions
package schedule
