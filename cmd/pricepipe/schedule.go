package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Inspect and control cron schedules",
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules with their next run times",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newAdmin()
		if err != nil {
			return err
		}
		schedules, err := a.ListSchedules(cmd.Context())
		if err != nil {
			return err
		}
		for _, s := range schedules {
			next := "-"
			if s.NextRunAt != nil {
				next = s.NextRunAt.Format("2006-01-02 15:04:05 MST")
			}
			state := "enabled"
			if !s.Enabled {
				state = "disabled"
			}
			fmt.Printf("%-4d %-32s %-16s %-8s next=%s failures=%d\n",
				s.ID, s.Name, s.CronExpression, state, next, s.ConsecutiveFailures)
		}
		return nil
	},
}

var scheduleRunCmd = &cobra.Command{
	Use:   "run <id>",
	Short: "Fire a schedule immediately",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		a, err := newAdmin()
		if err != nil {
			return err
		}
		return a.RunScheduleNow(cmd.Context(), uint(id))
	},
}

var scheduleEnableCmd = &cobra.Command{
	Use:   "enable <id>",
	Short: "Enable a schedule, resetting its failure counter",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		a, err := newAdmin()
		if err != nil {
			return err
		}
		return a.EnableSchedule(cmd.Context(), uint(id))
	},
}

var scheduleDisableCmd = &cobra.Command{
	Use:   "disable <id>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := strconv.ParseUint(args[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid schedule id %q", args[0])
		}
		a, err := newAdmin()
		if err != nil {
			return err
		}
		return a.DisableSchedule(cmd.Context(), uint(id))
	},
}

func init() {
	scheduleCmd.AddCommand(scheduleListCmd, scheduleRunCmd, scheduleEnableCmd, scheduleDisableCmd)
	rootCmd.AddCommand(scheduleCmd)
}
